package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// liveInstanceStates are the instance states a name lookup considers. A
// terminated instance with the same name tag is treated as absent so a
// retried create can launch a fresh one.
var liveInstanceStates = []string{"pending", "running", "stopping", "stopped"}

// Compile-time interface satisfaction check.
var _ API = (*EC2)(nil)

// EC2 implements API against the EC2 service.
type EC2 struct {
	client *ec2.Client
	region string
}

// NewEC2 builds an EC2 client for the given region using the ambient
// credential chain.
func NewEC2(ctx context.Context, region string) (*EC2, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &EC2{client: ec2.NewFromConfig(cfg), region: region}, nil
}

// Region returns the region this client targets.
func (e *EC2) Region() string {
	return e.region
}

// LaunchInstance runs one instance tagged with the spec's name.
func (e *EC2) LaunchInstance(ctx context.Context, spec LaunchSpec) (Instance, error) {
	out, err := e.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.AMI),
		InstanceType:     ec2types.InstanceType(spec.InstanceType),
		KeyName:          aws.String(spec.KeyName),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: spec.SecurityGroupIDs,
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				},
			},
		},
	})
	if err != nil {
		return Instance{}, fmt.Errorf("run instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return Instance{}, fmt.Errorf("run instance: provider returned no instances")
	}
	return mapInstance(out.Instances[0]), nil
}

// FindInstanceByName looks up a non-terminated instance by its identity tag.
func (e *EC2) FindInstanceByName(ctx context.Context, name string) (Instance, error) {
	out, err := e.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: liveInstanceStates},
		},
	})
	if err != nil {
		return Instance{}, fmt.Errorf("describe instances by name: %w", err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return mapInstance(inst), nil
		}
	}
	return Instance{}, fmt.Errorf("instance %q: %w", name, ErrNotFound)
}

// GetInstance describes one instance by provider id.
func (e *EC2) GetInstance(ctx context.Context, id string) (Instance, error) {
	out, err := e.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return Instance{}, fmt.Errorf("describe instance %s: %w", id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return mapInstance(inst), nil
		}
	}
	return Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
}

// StartInstance starts a stopped instance.
func (e *EC2) StartInstance(ctx context.Context, id string) error {
	_, err := e.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("start instance %s: %w", id, err)
	}
	return nil
}

// TerminateInstance terminates an instance.
func (e *EC2) TerminateInstance(ctx context.Context, id string) error {
	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	return nil
}

// HasKeyPair reports whether a key pair with the given name exists.
func (e *EC2) HasKeyPair(ctx context.Context, name string) (bool, error) {
	_, err := e.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{name},
	})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("describe key pair %s: %w", name, err)
	}
	return true, nil
}

// CreateKeyPair creates a new RSA key pair and returns the PEM-encoded
// private key. The provider returns the key material exactly once.
func (e *EC2) CreateKeyPair(ctx context.Context, name string) (string, error) {
	out, err := e.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(name),
		KeyType:   ec2types.KeyTypeRsa,
		KeyFormat: ec2types.KeyFormatPem,
	})
	if err != nil {
		return "", fmt.Errorf("create key pair %s: %w", name, err)
	}
	return aws.ToString(out.KeyMaterial), nil
}

// DeleteKeyPair deletes a key pair by name.
func (e *EC2) DeleteKeyPair(ctx context.Context, name string) error {
	_, err := e.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("delete key pair %s: %w", name, err)
	}
	return nil
}

// FindSecurityGroup looks up a security group id by group name.
func (e *EC2) FindSecurityGroup(ctx context.Context, name string) (string, error) {
	out, err := e.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe security group %s: %w", name, err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", fmt.Errorf("security group %q: %w", name, ErrNotFound)
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}

// CreateSecurityGroup creates a security group in the default VPC.
func (e *EC2) CreateSecurityGroup(ctx context.Context, name, description string) (string, error) {
	vpcs, err := e.client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("isDefault"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe default vpc: %w", err)
	}
	if len(vpcs.Vpcs) == 0 {
		return "", fmt.Errorf("region %s has no default vpc", e.region)
	}

	out, err := e.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(description),
		VpcId:       vpcs.Vpcs[0].VpcId,
	})
	if err != nil {
		return "", fmt.Errorf("create security group %s: %w", name, err)
	}
	return aws.ToString(out.GroupId), nil
}

// AuthorizeIngress adds one ingress rule to a security group. A rule that
// already exists is treated as success.
func (e *EC2) AuthorizeIngress(ctx context.Context, groupID string, rule IngressRule) error {
	perm := ec2types.IpPermission{
		IpProtocol: aws.String(rule.Protocol),
		FromPort:   aws.Int32(rule.FromPort),
		ToPort:     aws.Int32(rule.ToPort),
	}
	if rule.IPv6 {
		perm.Ipv6Ranges = []ec2types.Ipv6Range{{CidrIpv6: aws.String(rule.CIDR)}}
	} else {
		perm.IpRanges = []ec2types.IpRange{{CidrIp: aws.String(rule.CIDR)}}
	}

	_, err := e.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{perm},
	})
	if err != nil {
		if IsDuplicate(err) {
			return nil
		}
		return fmt.Errorf("authorize ingress on %s: %w", groupID, err)
	}
	return nil
}

// DeleteSecurityGroup deletes a security group by id.
func (e *EC2) DeleteSecurityGroup(ctx context.Context, id string) error {
	_, err := e.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("delete security group %s: %w", id, err)
	}
	return nil
}

func mapInstance(inst ec2types.Instance) Instance {
	mapped := Instance{
		ID:        aws.ToString(inst.InstanceId),
		PublicDNS: aws.ToString(inst.PublicDnsName),
		PublicIP:  aws.ToString(inst.PublicIpAddress),
		KeyName:   aws.ToString(inst.KeyName),
		Type:      string(inst.InstanceType),
	}
	if inst.State != nil {
		mapped.State = string(inst.State.Name)
	}
	return mapped
}
