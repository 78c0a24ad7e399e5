package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2svc "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	s3svc "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/config"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
)

// ── AWS mocks ─────────────────────────────────────────────────────────────────

type mockAWSProvider struct {
	clients     *common.ClientSet
	profileErr  error
	account     string
	accountErr  error
	lastProfile string // records the profile name passed to LoadProfile
}

func (m *mockAWSProvider) LoadProfile(_ context.Context, profile, region string) (*common.ProfileConfig, error) {
	m.lastProfile = profile
	if m.profileErr != nil {
		return nil, m.profileErr
	}
	if region == "" {
		region = "eu-west-2"
	}
	return &common.ProfileConfig{ProfileName: "default", Region: region, Clients: m.clients}, nil
}

func (m *mockAWSProvider) CallerAccount(_ context.Context, _ *common.ProfileConfig) (string, error) {
	return m.account, m.accountErr
}

// fakeEC2 serves one security group and records revocations.
type fakeEC2 struct {
	group       *ec2types.SecurityGroup
	describeErr error
	revoked     []ec2types.IpPermission
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, in *ec2svc.DescribeSecurityGroupsInput, _ ...func(*ec2svc.Options)) (*ec2svc.DescribeSecurityGroupsOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := &ec2svc.DescribeSecurityGroupsOutput{}
	if f.group != nil && len(in.GroupIds) == 1 && in.GroupIds[0] == aws.ToString(f.group.GroupId) {
		out.SecurityGroups = []ec2types.SecurityGroup{*f.group}
	}
	return out, nil
}

func (f *fakeEC2) RevokeSecurityGroupIngress(_ context.Context, in *ec2svc.RevokeSecurityGroupIngressInput, _ ...func(*ec2svc.Options)) (*ec2svc.RevokeSecurityGroupIngressOutput, error) {
	f.revoked = append(f.revoked, in.IpPermissions...)
	return &ec2svc.RevokeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) RevokeSecurityGroupEgress(_ context.Context, in *ec2svc.RevokeSecurityGroupEgressInput, _ ...func(*ec2svc.Options)) (*ec2svc.RevokeSecurityGroupEgressOutput, error) {
	f.revoked = append(f.revoked, in.IpPermissions...)
	return &ec2svc.RevokeSecurityGroupEgressOutput{Return: aws.Bool(true)}, nil
}

// fakeS3 serves baseline objects from a map and records puts.
type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3svc.PutObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3svc.GetObjectInput, _ ...func(*s3svc.Options)) (*s3svc.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3svc.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3svc.PutObjectInput, _ ...func(*s3svc.Options)) (*s3svc.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	return &s3svc.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(context.Context, *s3svc.HeadObjectInput, ...func(*s3svc.Options)) (*s3svc.HeadObjectOutput, error) {
	return &s3svc.HeadObjectOutput{}, nil
}

// ── fixtures ──────────────────────────────────────────────────────────────────

const (
	testGroupID     = "sg-0123456789abcdef0"
	testBaselineKey = "baseline/security-group-baseline.json"
)

const testBaseline = `{
  "object_id": "sg-0123456789abcdef0",
  "baseline_version": "1.0",
  "ingress": [
    {"IpProtocol": "tcp", "FromPort": 443, "ToPort": 443, "IpRanges": [{"CidrIp": "0.0.0.0/0"}]}
  ],
  "egress": [
    {"IpProtocol": "-1", "IpRanges": [{"CidrIp": "0.0.0.0/0"}]}
  ]
}`

func tcpPermission(port int32, cidr string) ec2types.IpPermission {
	return ec2types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(port),
		ToPort:     aws.Int32(port),
		IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(cidr)}},
	}
}

// liveGroup returns the monitored group holding the baseline rules plus
// extra ingress permissions.
func liveGroup(extra ...ec2types.IpPermission) *ec2types.SecurityGroup {
	return &ec2types.SecurityGroup{
		GroupId:       aws.String(testGroupID),
		GroupName:     aws.String("web"),
		VpcId:         aws.String("vpc-1"),
		IpPermissions: append([]ec2types.IpPermission{tcpPermission(443, "0.0.0.0/0")}, extra...),
		IpPermissionsEgress: []ec2types.IpPermission{{
			IpProtocol: aws.String("-1"),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		}},
	}
}

func goodMockAWS(extra ...ec2types.IpPermission) *mockAWSProvider {
	return &mockAWSProvider{
		account: "123456789012",
		clients: &common.ClientSet{
			EC2: &fakeEC2{group: liveGroup(extra...)},
			S3:  &fakeS3{objects: map[string][]byte{testBaselineKey: []byte(testBaseline)}},
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		ObjectID: testGroupID,
		Baseline: config.BaselineConfig{Bucket: "drift-baselines", Key: testBaselineKey},
		Idempotency: config.IdempotencyConfig{
			Backend: config.BackendMemory, Retention: time.Hour, Lease: time.Minute,
		},
		Remediation: config.RemediationConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Timeouts:    config.TimeoutsConfig{Invocation: 5 * time.Second, NotifyReserve: time.Second},
		Log:         config.LogConfig{Level: "info", Format: "json"},
	}
}

func memoryOpener(context.Context, config.IdempotencyConfig, *common.ClientSet) (idempotency.Store, error) {
	return idempotency.NewMemoryStore(), nil
}

type unreachableStore struct{ *idempotency.MemoryStore }

func (unreachableStore) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }

func unreachableOpener(context.Context, config.IdempotencyConfig, *common.ClientSet) (idempotency.Store, error) {
	return unreachableStore{idempotency.NewMemoryStore()}, nil
}

func doctor(t *testing.T, cfg *config.Config, cfgErr error, awsP common.AWSClientProvider, open storeOpener, format string) (string, DoctorResult) {
	t.Helper()
	var buf bytes.Buffer
	result, err := runDoctor(context.Background(), cfg, cfgErr, awsP, open, &buf, format)
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	return buf.String(), result
}

// ── table format tests ────────────────────────────────────────────────────────

func TestDoctorAllOK(t *testing.T) {
	out, result := doctor(t, testConfig(), nil, goodMockAWS(), memoryOpener, "table")
	if !result.OverallHealthy {
		t.Errorf("expected OverallHealthy=true\n%s", out)
	}
	for _, want := range []string{
		"Valid: OK",
		"Credentials: OK",
		"STS Identity: OK (Account: 123456789012)",
		testGroupID + ": OK (web in vpc-1, 1 ingress / 1 egress rules)",
		"s3://drift-baselines/" + testBaselineKey + ": OK (2 rules, version 1.0)",
		"Idempotency store (memory):",
		"Reachable: OK",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q;\ngot:\n%s", want, out)
		}
	}
}

func TestDoctorAWSCredentialsFail(t *testing.T) {
	awsP := &mockAWSProvider{profileErr: errors.New("no credentials configured")}
	out, result := doctor(t, testConfig(), nil, awsP, memoryOpener, "table")
	if result.OverallHealthy {
		t.Error("expected OverallHealthy=false")
	}
	for _, want := range []string{"Credentials: FAIL (no credentials configured)", "Describe: FAIL (skipped)", "Load: FAIL (skipped)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q;\ngot:\n%s", want, out)
		}
	}
	// The memory store needs no credentials and is still checked.
	if !result.Store.Reachable {
		t.Error("memory store should be reachable without AWS")
	}
}

func TestDoctorSTSFail(t *testing.T) {
	awsP := goodMockAWS()
	awsP.accountErr = errors.New("ExpiredToken")
	_, result := doctor(t, testConfig(), nil, awsP, memoryOpener, "table")
	if result.AWS.Credentials || result.AWS.Error != "ExpiredToken" {
		t.Errorf("aws = %+v", result.AWS)
	}
	if result.SecurityGroup.Found {
		t.Error("security group check must be skipped without credentials")
	}
}

func TestDoctorGroupNotFound(t *testing.T) {
	awsP := goodMockAWS()
	awsP.clients.EC2 = &fakeEC2{}
	out, result := doctor(t, testConfig(), nil, awsP, memoryOpener, "table")
	if result.OverallHealthy || result.SecurityGroup.Found {
		t.Errorf("result = %+v", result.SecurityGroup)
	}
	if !strings.Contains(out, testGroupID+": FAIL (ObjectNotFound") {
		t.Errorf("expected ObjectNotFound line;\ngot:\n%s", out)
	}
}

func TestDoctorBaselineMissing(t *testing.T) {
	awsP := goodMockAWS()
	awsP.clients.S3 = &fakeS3{objects: map[string][]byte{}}
	out, result := doctor(t, testConfig(), nil, awsP, memoryOpener, "table")
	if result.OverallHealthy || result.Baseline.Loaded {
		t.Errorf("baseline = %+v", result.Baseline)
	}
	if !strings.Contains(out, "BaselineUnavailable") {
		t.Errorf("expected BaselineUnavailable;\ngot:\n%s", out)
	}
}

func TestDoctorStoreUnreachable(t *testing.T) {
	out, result := doctor(t, testConfig(), nil, goodMockAWS(), unreachableOpener, "table")
	if result.OverallHealthy {
		t.Error("expected OverallHealthy=false")
	}
	if !strings.Contains(out, "Reachable: FAIL (dial tcp: connection refused)") {
		t.Errorf("expected store failure;\ngot:\n%s", out)
	}
}

func TestDoctorDynamoStoreSkippedWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Idempotency.Backend = config.BackendDynamoDB
	awsP := &mockAWSProvider{profileErr: errors.New("no credentials")}
	_, result := doctor(t, cfg, nil, awsP, memoryOpener, "table")
	if result.Store.Reachable || !strings.Contains(result.Store.Error, "skipped") {
		t.Errorf("store = %+v", result.Store)
	}
}

func TestDoctorConfigErrorsListed(t *testing.T) {
	cfg := testConfig()
	cfg.ObjectID = ""
	cfg.Baseline.Bucket = ""
	out, result := doctor(t, cfg, cfg.Validate(), goodMockAWS(), memoryOpener, "table")
	if result.Config.Valid || len(result.Config.Errors) != 2 {
		t.Errorf("config = %+v", result.Config)
	}
	for _, want := range []string{"object_id is required", "baseline.bucket is required"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q;\ngot:\n%s", want, out)
		}
	}
}

func TestDoctorUnreadableConfig(t *testing.T) {
	out, result := doctor(t, nil, errors.New("read config: permission denied"), goodMockAWS(), memoryOpener, "table")
	if result.OverallHealthy || result.Config.Valid {
		t.Error("unreadable config must be unhealthy")
	}
	if !strings.Contains(out, "permission denied") {
		t.Errorf("got:\n%s", out)
	}
}

func TestDoctorProfilePassedThrough(t *testing.T) {
	cfg := testConfig()
	cfg.Profile = "security-prod"
	awsP := goodMockAWS()
	out, _ := doctor(t, cfg, nil, awsP, memoryOpener, "table")
	if awsP.lastProfile != "security-prod" {
		t.Errorf("LoadProfile got %q", awsP.lastProfile)
	}
	if !strings.Contains(out, "AWS (profile: security-prod):") {
		t.Errorf("got:\n%s", out)
	}
}

func TestDoctorPolicyNotConfigured(t *testing.T) {
	out, result := doctor(t, testConfig(), nil, goodMockAWS(), memoryOpener, "table")
	if !result.OverallHealthy {
		t.Errorf("optional policy must not affect health\n%s", out)
	}
	if !strings.Contains(out, "Policy file: Not configured (optional)") {
		t.Errorf("output:\n%s", out)
	}
}

func TestDoctorPolicyValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("version: 1\nenforcement:\n  fail_on_severity: high\n"), 0o644)
	cfg := testConfig()
	cfg.Policy.Path = path

	out, result := doctor(t, cfg, nil, goodMockAWS(), memoryOpener, "table")
	if !result.OverallHealthy || !result.Policy.Present || !result.Policy.Valid {
		t.Errorf("policy = %+v\n%s", result.Policy, out)
	}
	if !strings.Contains(out, path+": OK") {
		t.Errorf("output:\n%s", out)
	}
}

func TestDoctorPolicyInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("version: 1\nseverity_overrides:\n  - direction: sideways\n    severity: loud\n"), 0o644)
	cfg := testConfig()
	cfg.Policy.Path = path

	out, result := doctor(t, cfg, nil, goodMockAWS(), memoryOpener, "table")
	if result.OverallHealthy || result.Policy.Valid {
		t.Errorf("invalid policy must make the environment unhealthy\n%s", out)
	}
	if len(result.Policy.Errors) != 2 {
		t.Errorf("errors = %v", result.Policy.Errors)
	}
}

func TestDoctorPolicyMissingFile(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Path = filepath.Join(t.TempDir(), "absent.yaml")

	_, result := doctor(t, cfg, nil, goodMockAWS(), memoryOpener, "table")
	if result.OverallHealthy || result.Policy.Present {
		t.Errorf("policy = %+v", result.Policy)
	}
}

// ── json format tests ─────────────────────────────────────────────────────────

func TestDoctorJSON(t *testing.T) {
	out, _ := doctor(t, testConfig(), nil, goodMockAWS(), memoryOpener, "json")

	var decoded DoctorResult
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if !decoded.OverallHealthy || decoded.AWS.AccountID != "123456789012" || decoded.Baseline.Rules != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
	if !strings.Contains(out, `"idempotency_store"`) {
		t.Errorf("json missing idempotency_store key: %s", out)
	}
}
