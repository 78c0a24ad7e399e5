package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/baseline"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/config"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/policy"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/securitygroup"
)

// DoctorResult is the structured output of sgdrift doctor. It can be
// serialised to JSON via --format=json or rendered as a human-readable table
// (default).
type DoctorResult struct {
	Config struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors,omitempty"`
	} `json:"config"`

	AWS struct {
		Profile     string `json:"profile,omitempty"`
		Region      string `json:"region,omitempty"`
		Credentials bool   `json:"credentials_ok"`
		AccountID   string `json:"account_id,omitempty"`
		Error       string `json:"error,omitempty"`
	} `json:"aws"`

	SecurityGroup struct {
		ID           string `json:"id,omitempty"`
		Found        bool   `json:"found"`
		Name         string `json:"name,omitempty"`
		VPCID        string `json:"vpc_id,omitempty"`
		IngressRules int    `json:"ingress_rules"`
		EgressRules  int    `json:"egress_rules"`
		Error        string `json:"error,omitempty"`
	} `json:"security_group"`

	Baseline struct {
		URI     string `json:"uri,omitempty"`
		Loaded  bool   `json:"loaded"`
		Rules   int    `json:"rules"`
		Version string `json:"version,omitempty"`
		Error   string `json:"error,omitempty"`
	} `json:"baseline"`

	Store struct {
		Backend   string `json:"backend,omitempty"`
		Reachable bool   `json:"reachable"`
		Error     string `json:"error,omitempty"`
	} `json:"idempotency_store"`

	Policy struct {
		Path    string   `json:"path,omitempty"`
		Present bool     `json:"present"`
		Valid   bool     `json:"valid"`
		Errors  []string `json:"errors,omitempty"`
	} `json:"policy"`

	OverallHealthy bool `json:"overall_healthy"`
}

// storeOpener opens the configured idempotency store. openStore in
// production; tests substitute an in-memory or failing store.
type storeOpener func(ctx context.Context, cfg config.IdempotencyConfig, clients *common.ClientSet) (idempotency.Store, error)

func newDoctorCmd(cfgPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "doctor",
		Short:         "Run environment diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			cfg, cfgErr := loadConfigUnvalidated(cfgPath())
			result, err := runDoctor(
				cmd.Context(),
				cfg,
				cfgErr,
				common.NewDefaultAWSClientProvider(),
				openStore,
				cmd.OutOrStdout(),
				format,
			)
			if err != nil {
				// Rendering failure: let Cobra/main handle it.
				return err
			}
			if !result.OverallHealthy {
				// Exit directly so no error text reaches main.go's
				// fmt.Fprintln(os.Stderr, err) path.
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().String("format", "table", `Output format: "table" or "json"`)
	return cmd
}

// loadConfigUnvalidated reads the configuration without rejecting it, so
// doctor can report every problem instead of stopping at the first. The
// returned error is the validation or read failure, if any.
func loadConfigUnvalidated(path string) (*config.Config, error) {
	v, err := config.New(path)
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result.
// The returned error covers only rendering failures (e.g. JSON encode error).
// Callers must inspect result.OverallHealthy to determine whether the
// environment is healthy.
func runDoctor(ctx context.Context, cfg *config.Config, cfgErr error, provider common.AWSClientProvider, open storeOpener, w io.Writer, format string) (DoctorResult, error) {
	result := collectDoctorResult(ctx, cfg, cfgErr, provider, open)

	switch format {
	case "json":
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}

	return result, nil
}

// collectDoctorResult runs all environment checks and populates a
// DoctorResult. It performs no rendering.
func collectDoctorResult(ctx context.Context, cfg *config.Config, cfgErr error, provider common.AWSClientProvider, open storeOpener) DoctorResult {
	var result DoctorResult

	// Config: every validation problem is listed; checks that need a
	// missing setting are skipped below.
	if cfgErr != nil {
		result.Config.Errors = splitJoined(cfgErr)
	} else {
		result.Config.Valid = true
	}
	if cfg == nil {
		return result
	}

	// AWS: credentials → STS account ID.
	result.AWS.Profile = cfg.Profile
	profile, err := provider.LoadProfile(ctx, cfg.Profile, cfg.Region)
	if err != nil {
		result.AWS.Error = err.Error()
	} else {
		result.AWS.Region = profile.Region
		account, err := provider.CallerAccount(ctx, profile)
		if err != nil {
			result.AWS.Error = err.Error()
		} else {
			result.AWS.Credentials = true
			result.AWS.AccountID = account
		}
	}

	// Security group and baseline need working credentials and an object id.
	result.SecurityGroup.ID = cfg.ObjectID
	if result.AWS.Credentials && cfg.ObjectID != "" {
		snap, err := securitygroup.NewClient(profile.Clients.EC2).Describe(ctx, cfg.ObjectID)
		if err != nil {
			result.SecurityGroup.Error = err.Error()
		} else {
			result.SecurityGroup.Found = true
			result.SecurityGroup.Name = snap.GroupName
			result.SecurityGroup.VPCID = snap.VPCID
			result.SecurityGroup.IngressRules = len(snap.Ingress)
			result.SecurityGroup.EgressRules = len(snap.Egress)
		}

		if cfg.Baseline.Bucket != "" {
			loader := baseline.NewLoader(profile.Clients.S3, cfg.Baseline.Bucket, cfg.Baseline.Key)
			result.Baseline.URI = loader.URI(cfg.ObjectID)
			b, err := loader.Load(ctx, cfg.ObjectID)
			if err != nil {
				result.Baseline.Error = err.Error()
			} else {
				result.Baseline.Loaded = true
				result.Baseline.Rules = b.Rules.Len()
				result.Baseline.Version = b.Version
			}
		}
	}

	// Idempotency store: open → ping.
	result.Store.Backend = cfg.Idempotency.Backend
	var clients *common.ClientSet
	if profile != nil {
		clients = profile.Clients
	}
	if err := checkStore(ctx, cfg.Idempotency, clients, open); err != nil {
		result.Store.Error = err.Error()
	} else {
		result.Store.Reachable = true
	}

	// Policy: stat → load → validate (file is optional).
	if path := cfg.Policy.Path; path != "" {
		result.Policy.Path = path
		if _, statErr := os.Stat(path); statErr != nil {
			result.Policy.Errors = []string{statErr.Error()}
			result.Policy.Present = !os.IsNotExist(statErr)
		} else {
			result.Policy.Present = true
			pol, loadErr := policy.LoadPolicy(path)
			if loadErr != nil {
				result.Policy.Errors = []string{loadErr.Error()}
			} else if errs := policy.Validate(pol); len(errs) > 0 {
				for _, e := range errs {
					result.Policy.Errors = append(result.Policy.Errors, e.Error())
				}
			} else {
				result.Policy.Valid = true
			}
		}
	}

	result.OverallHealthy = result.Config.Valid &&
		result.AWS.Credentials &&
		result.SecurityGroup.Found &&
		result.Baseline.Loaded &&
		result.Store.Reachable &&
		(result.Policy.Path == "" || result.Policy.Valid)

	return result
}

func checkStore(ctx context.Context, cfg config.IdempotencyConfig, clients *common.ClientSet, open storeOpener) error {
	if cfg.Backend == config.BackendDynamoDB && clients == nil {
		return errors.New("skipped: AWS credentials unavailable")
	}
	store, err := open(ctx, cfg, clients)
	if err != nil {
		return err
	}
	defer store.Close()
	return idempotency.Ping(ctx, store)
}

// splitJoined unpacks an errors.Join result into its messages.
func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// renderDoctorTable writes the human-readable diagnostic output from result to w.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	fmt.Fprintln(w, "Environment Diagnostics")

	fmt.Fprintln(w, "\nConfig:")
	if result.Config.Valid {
		doctorPrint(w, "Valid", "OK", "")
	} else {
		for _, e := range result.Config.Errors {
			doctorPrint(w, "Valid", "FAIL", e)
		}
	}

	if result.AWS.Profile != "" {
		fmt.Fprintf(w, "\nAWS (profile: %s):\n", result.AWS.Profile)
	} else {
		fmt.Fprintln(w, "\nAWS:")
	}
	if !result.AWS.Credentials {
		doctorPrint(w, "Credentials", "FAIL", result.AWS.Error)
		doctorPrint(w, "STS Identity", "FAIL", "skipped")
	} else {
		doctorPrint(w, "Credentials", "OK", "")
		doctorPrint(w, "STS Identity", "OK", "Account: "+result.AWS.AccountID)
		doctorPrint(w, "Region", "OK", result.AWS.Region)
	}

	fmt.Fprintln(w, "\nSecurity group:")
	switch {
	case result.SecurityGroup.Found:
		doctorPrint(w, result.SecurityGroup.ID, "OK", fmt.Sprintf("%s in %s, %d ingress / %d egress rules",
			result.SecurityGroup.Name, result.SecurityGroup.VPCID,
			result.SecurityGroup.IngressRules, result.SecurityGroup.EgressRules))
	case result.SecurityGroup.Error != "":
		doctorPrint(w, result.SecurityGroup.ID, "FAIL", result.SecurityGroup.Error)
	default:
		doctorPrint(w, "Describe", "FAIL", "skipped")
	}

	fmt.Fprintln(w, "\nBaseline:")
	switch {
	case result.Baseline.Loaded:
		doctorPrint(w, result.Baseline.URI, "OK", fmt.Sprintf("%d rules, version %s", result.Baseline.Rules, orDash(result.Baseline.Version)))
	case result.Baseline.Error != "":
		doctorPrint(w, result.Baseline.URI, "FAIL", result.Baseline.Error)
	default:
		doctorPrint(w, "Load", "FAIL", "skipped")
	}

	fmt.Fprintf(w, "\nIdempotency store (%s):\n", orDash(result.Store.Backend))
	if result.Store.Reachable {
		doctorPrint(w, "Reachable", "OK", "")
	} else {
		doctorPrint(w, "Reachable", "FAIL", result.Store.Error)
	}

	fmt.Fprintln(w, "\nPolicy:")
	switch {
	case result.Policy.Path == "":
		doctorPrint(w, "Policy file", "Not configured (optional)", "")
	case result.Policy.Valid:
		doctorPrint(w, result.Policy.Path, "OK", "")
	default:
		for _, e := range result.Policy.Errors {
			doctorPrint(w, result.Policy.Path, "FAIL", e)
		}
	}
}

// doctorPrint writes a single diagnostic check line to w.
// When detail is non-empty it is appended in parentheses.
func doctorPrint(w io.Writer, label, status, detail string) {
	if detail != "" {
		fmt.Fprintf(w, "  %s: %s (%s)\n", label, status, detail)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", label, status)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
