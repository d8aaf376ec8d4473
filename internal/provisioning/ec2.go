package provisioning

import (
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/clusterforge/converge/pkg/inventory"
	"github.com/clusterforge/converge/shared"
)

// EC2 provisions the fleet as raw EC2 instances, one per requested
// role slot, tagged so pkg/inventory's EC2 discovery sees them.
type EC2 struct {
	Region   string
	Cluster  string
	AMI      string
	Type     string
	KeyName  string
	Subnet   string
	Masters  int
	Workers  int
	Storage  int

	client *ec2.EC2
	ids    []string
	mu     sync.Mutex
}

type launched struct {
	node inventory.Node
	id   string
}

func (p *EC2) connect() error {
	if p.client != nil {
		return nil
	}

	cfg := aws.Config{}
	if p.Region != "" {
		cfg.Region = aws.String(p.Region)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return shared.ReturnLogError("error creating AWS session: %v", err)
	}
	p.client = ec2.New(sess)

	return nil
}

// Provision launches every instance concurrently and waits for each to
// reach running with an address. Any launch failing fails the whole
// provision; Destroy still cleans up what did come up.
func (p *EC2) Provision() (*inventory.Inventory, error) {
	if err := p.connect(); err != nil {
		return nil, err
	}

	type slot struct {
		role   inventory.Role
		prefix string
		count  int
	}
	slots := []slot{
		{inventory.RoleMaster, "cp", p.Masters},
		{inventory.RoleWorker, "worker", p.Workers},
		{inventory.RoleStorage, "storage", p.Storage},
	}

	var wg sync.WaitGroup
	errChan := make(chan error, p.Masters+p.Workers+p.Storage)
	resChan := make(chan launched, p.Masters+p.Workers+p.Storage)

	for _, s := range slots {
		for i := 1; i <= s.count; i++ {
			name := fmt.Sprintf("%s-%d", s.prefix, i)
			role := s.role

			wg.Add(1)
			go func() {
				defer wg.Done()

				res, err := p.launch(name, role)
				if err != nil {
					errChan <- shared.ReturnLogError("error launching %s: %v", name, err)

					return
				}
				resChan <- res
			}()
		}
	}

	go func() {
		wg.Wait()
		close(errChan)
		close(resChan)
	}()

	return p.gather(errChan, resChan)
}

// gather drains both channels completely. Instance IDs are recorded
// even when another launch failed, so Destroy can terminate the
// partial fleet.
func (p *EC2) gather(errChan <-chan error, resChan <-chan launched) (*inventory.Inventory, error) {
	inv := &inventory.Inventory{Cluster: p.Cluster}

	for r := range resChan {
		inv.Nodes = append(inv.Nodes, r.node)
		p.mu.Lock()
		p.ids = append(p.ids, r.id)
		p.mu.Unlock()
	}

	for e := range errChan {
		if e != nil {
			return nil, e
		}
	}

	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("provisioned fleet is unusable: %w", err)
	}

	return inv, nil
}

func (p *EC2) launch(name string, role inventory.Role) (launched, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.AMI),
		InstanceType: aws.String(p.Type),
		KeyName:      aws.String(p.KeyName),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{
			{
				ResourceType: aws.String("instance"),
				Tags: []*ec2.Tag{
					{Key: aws.String("Name"), Value: aws.String(name)},
					{Key: aws.String(inventory.TagCluster), Value: aws.String(p.Cluster)},
					{Key: aws.String(inventory.TagRole), Value: aws.String(string(role))},
				},
			},
		},
	}
	if p.Subnet != "" {
		input.SubnetId = aws.String(p.Subnet)
	}

	res, err := p.client.RunInstances(input)
	if err != nil {
		return launched{}, err
	}
	if len(res.Instances) == 0 {
		return launched{}, fmt.Errorf("run-instances returned no instance for %s", name)
	}
	id := aws.StringValue(res.Instances[0].InstanceId)

	ip, err := p.waitForAddress(id)
	if err != nil {
		return launched{}, err
	}

	shared.LogLevel("info", "instance %s (%s) up at %s", name, id, ip)

	return launched{
		id:   id,
		node: inventory.Node{Hostname: name, IP: ip, Role: role},
	}, nil
}

// waitForAddress polls until the instance is running with an address.
func (p *EC2) waitForAddress(id string) (string, error) {
	input := &ec2.DescribeInstancesInput{InstanceIds: []*string{aws.String(id)}}

	if err := p.client.WaitUntilInstanceRunning(input); err != nil {
		return "", fmt.Errorf("instance %s never reached running: %w", id, err)
	}

	deadline := time.Now().Add(2 * time.Minute)
	for {
		res, err := p.client.DescribeInstances(input)
		if err != nil {
			return "", err
		}
		for _, r := range res.Reservations {
			for _, inst := range r.Instances {
				if ip := aws.StringValue(inst.PublicIpAddress); ip != "" {
					return ip, nil
				}
				if ip := aws.StringValue(inst.PrivateIpAddress); ip != "" {
					return ip, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("instance %s has no address", id)
		}
		time.Sleep(5 * time.Second)
	}
}

// Destroy terminates every instance this provisioner launched.
func (p *EC2) Destroy() error {
	p.mu.Lock()
	ids := append([]string(nil), p.ids...)
	p.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := p.connect(); err != nil {
		return err
	}

	_, err := p.client.TerminateInstances(&ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice(ids),
	})
	if err != nil {
		return fmt.Errorf("terminating fleet: %w", err)
	}

	shared.LogLevel("info", "terminated %d instance(s)", len(ids))

	return nil
}
