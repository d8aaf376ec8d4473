package inventory

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taggedInstance(tags map[string]string) *ec2.Instance {
	inst := &ec2.Instance{}
	for k, v := range tags {
		inst.Tags = append(inst.Tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	return inst
}

func TestNodeFromInstance(t *testing.T) {
	inst := taggedInstance(map[string]string{
		"Name":   "worker-1",
		TagRole:  "worker",
		TagExtra: "local, gpu ,",
	})
	inst.PublicIpAddress = aws.String("203.0.113.7")
	inst.PrivateIpAddress = aws.String("10.0.0.7")

	node, err := nodeFromInstance(inst)
	require.NoError(t, err)

	assert.Equal(t, "worker-1", node.Hostname)
	assert.Equal(t, "203.0.113.7", node.IP, "public address wins when present")
	assert.Equal(t, RoleWorker, node.Role)
	assert.Equal(t, []string{"local", "gpu"}, node.Tags)
}

func TestNodeFromInstanceFallbacks(t *testing.T) {
	inst := taggedInstance(map[string]string{TagRole: "master"})
	inst.PrivateDnsName = aws.String("ip-10-0-0-1.internal")
	inst.PrivateIpAddress = aws.String("10.0.0.1")

	node, err := nodeFromInstance(inst)
	require.NoError(t, err)

	assert.Equal(t, "ip-10-0-0-1.internal", node.Hostname)
	assert.Equal(t, "10.0.0.1", node.IP)
}

func TestNodeFromInstanceRejections(t *testing.T) {
	cases := []struct {
		name string
		inst *ec2.Instance
	}{
		{"missing role tag", func() *ec2.Instance {
			i := taggedInstance(map[string]string{"Name": "cp-1"})
			i.PrivateIpAddress = aws.String("10.0.0.1")

			return i
		}()},
		{"unknown role", func() *ec2.Instance {
			i := taggedInstance(map[string]string{"Name": "cp-1", TagRole: "bastion"})
			i.PrivateIpAddress = aws.String("10.0.0.1")

			return i
		}()},
		{"no hostname", func() *ec2.Instance {
			i := taggedInstance(map[string]string{TagRole: "master"})
			i.PrivateIpAddress = aws.String("10.0.0.1")

			return i
		}()},
		{"no address", taggedInstance(map[string]string{"Name": "cp-1", TagRole: "master"})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := nodeFromInstance(tc.inst)
			assert.Error(t, err)
		})
	}
}
