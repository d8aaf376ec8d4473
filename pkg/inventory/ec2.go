package inventory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/clusterforge/converge/shared"
)

// EC2 instance tags that place an instance in a fleet.
const (
	TagCluster = "converge:cluster"
	TagRole    = "converge:role"
	TagExtra   = "converge:tags"
)

// EC2Source discovers the inventory from instance tags instead of a
// file, for fleets whose nodes are cloud instances.
type EC2Source struct {
	client  *ec2.EC2
	cluster string
}

// NewEC2Source builds a source for one cluster tag in one region. An
// empty region falls back to the environment's AWS configuration.
func NewEC2Source(region, cluster string) (*EC2Source, error) {
	if cluster == "" {
		return nil, fmt.Errorf("cluster tag value is required for ec2 discovery")
	}

	cfg := aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, shared.ReturnLogError("error creating AWS session: %v", err)
	}

	return &EC2Source{client: ec2.New(sess), cluster: cluster}, nil
}

// Discover lists running instances tagged for the cluster and maps
// them into an inventory. Node order is fixed by hostname so repeated
// discoveries produce the same plan order.
func (s *EC2Source) Discover() (*Inventory, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("tag:" + TagCluster),
				Values: []*string{aws.String(s.cluster)},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []*string{aws.String("running")},
			},
		},
	}

	inv := &Inventory{Cluster: s.cluster}

	err := s.client.DescribeInstancesPages(input, func(page *ec2.DescribeInstancesOutput, _ bool) bool {
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				node, nodeErr := nodeFromInstance(inst)
				if nodeErr != nil {
					shared.LogLevel("warn", "skipping instance %s: %v", aws.StringValue(inst.InstanceId), nodeErr)

					continue
				}
				inv.Nodes = append(inv.Nodes, node)
			}
		}

		return true
	})
	if err != nil {
		return nil, shared.ReturnLogError("error describing instances for cluster %s: %v", s.cluster, err)
	}

	sort.Slice(inv.Nodes, func(a, b int) bool {
		return inv.Nodes[a].Hostname < inv.Nodes[b].Hostname
	})

	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("discovered inventory invalid: %w", err)
	}

	return inv, nil
}

// nodeFromInstance maps one tagged instance into a Node. The public IP
// wins when present, matching how operators reach lab instances.
func nodeFromInstance(inst *ec2.Instance) (Node, error) {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}

	role, err := ParseRole(tags[TagRole])
	if err != nil {
		return Node{}, fmt.Errorf("tag %s: %w", TagRole, err)
	}

	hostname := tags["Name"]
	if hostname == "" {
		hostname = aws.StringValue(inst.PrivateDnsName)
	}
	if hostname == "" {
		return Node{}, fmt.Errorf("instance has neither a Name tag nor a private DNS name")
	}

	ip := aws.StringValue(inst.PublicIpAddress)
	if ip == "" {
		ip = aws.StringValue(inst.PrivateIpAddress)
	}
	if ip == "" {
		return Node{}, fmt.Errorf("instance has no address")
	}

	node := Node{
		Hostname: hostname,
		IP:       ip,
		Role:     role,
	}

	if extra := tags[TagExtra]; extra != "" {
		for _, tag := range strings.Split(extra, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				node.Tags = append(node.Tags, tag)
			}
		}
	}

	return node, nil
}
