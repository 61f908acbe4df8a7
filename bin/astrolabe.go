package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mongodb-labs/astrolabe-go/pkg/atlas"
	"github.com/mongodb-labs/astrolabe-go/pkg/environment"
	"github.com/mongodb-labs/astrolabe-go/pkg/kubernetes"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/orchestrator"
	"github.com/mongodb-labs/astrolabe-go/pkg/scenario"
	"github.com/mongodb-labs/astrolabe-go/pkg/telemetry"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		DisableSorting:         true,
		DisableLevelTruncation: true,
	})
}

func main() {
	os.Exit(run())
}

// run carries the exit status back to main so deferred cleanup (telemetry
// flush, signal handler teardown) is never skipped by an early os.Exit.
func run() int {
	config := environment.ConfigDetails{}
	environment.GetENV(&config)

	if level, err := logrus.ParseLevel(config.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	// An interrupt cancels the maintenance plan between operations; the
	// workload executor is still terminated and results reconciled.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := telemetry.InitOTelSDK(ctx, endpoint)
		if err != nil {
			log.Errorf("Failed to initialize tracing, err: %v", err)
			return 1
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				log.Errorf("Failed to shut down tracing: %v", err)
			}
		}()
	}

	exitCode := 0
	root := &cobra.Command{
		Use:           "astrolabe",
		Short:         "Runs MongoDB driver test workloads against live clusters undergoing maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(specCommand(ctx, &config, &exitCode))
	root.AddCommand(kubeCommand(ctx, &exitCode))
	root.AddCommand(deleteClusterCommand(&config))

	if err := root.Execute(); err != nil {
		log.Errorf("%v", err)
		return 1
	}
	return exitCode
}

func newAtlasClient(config *environment.ConfigDetails) *atlas.Client {
	return atlas.NewClient(config.APIBaseURL, config.APIUsername, config.APIPassword, config.HTTPTimeout)
}

// specCommand runs one or more Atlas scenarios with the given workload
// executor. The process exit code is the number of failed scenarios.
func specCommand(ctx context.Context, config *environment.ConfigDetails, exitCode *int) *cobra.Command {
	options := orchestrator.Options{}

	cmd := &cobra.Command{
		Use:   "spec <scenario file or directory> <workload executor>",
		Short: "Run driver test scenarios against Atlas clusters",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Executable = args[1]
			if options.WorkDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				options.WorkDir = wd
			}

			o := orchestrator.New(newAtlasClient(config), *config, options)
			failed, err := o.RunAll(ctx, args[0])
			if err != nil {
				return err
			}
			*exitCode = failed
			return nil
		},
	}

	cmd.Flags().StringVar(&options.WorkDir, "workdir", "", "directory for per-scenario artifacts (default: current directory)")
	cmd.Flags().BoolVar(&options.NoCreate, "no-create", false, "reuse an existing cluster instead of provisioning one")
	cmd.Flags().BoolVar(&options.NoDelete, "no-delete", false, "keep the cluster after the scenario, for debugging")
	cmd.Flags().StringVar(&config.ProjectName, "project-name", config.ProjectName, "Atlas project to run in")
	cmd.Flags().StringVar(&config.OrganizationName, "org-name", config.OrganizationName, "Atlas organization owning the project")
	cmd.Flags().StringVar(&config.ClusterNameSalt, "cluster-name-salt", config.ClusterNameSalt, "salt mixed into derived cluster names")
	return cmd
}

// kubeCommand runs disruption scenarios against a Kubernetes-hosted replica
// set instead of Atlas
func kubeCommand(ctx context.Context, exitCode *int) *cobra.Command {
	options := kubernetes.RunOptions{}
	var kubeconfig string

	cmd := &cobra.Command{
		Use:   "kube <scenario file> <workload executor>",
		Short: "Run driver test scenarios against a Kubernetes-hosted replica set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Executable = args[1]
			if options.WorkDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				options.WorkDir = wd
			}

			clientSet, err := kubernetes.GenerateClientSet(kubeconfig)
			if err != nil {
				return err
			}
			sc, err := kubernetes.Load(args[0])
			if err != nil {
				return err
			}

			runner := &kubernetes.Runner{KubeClient: clientSet}
			r := runner.RunScenario(ctx, sc, options)
			if r.Failed() {
				*exitCode = 1
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&options.ConnectionString, "connection-string", "", "connection string of the replica set under test")
	cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "absolute path to the kubeconfig file (default: in-cluster config)")
	cmd.Flags().StringVar(&options.WorkDir, "workdir", "", "directory for per-scenario artifacts (default: current directory)")
	cmd.Flags().DurationVar(&options.StartupTime, "startup-time", 0, "grace period before disruption begins")
	_ = cmd.MarkFlagRequired("connection-string")
	return cmd
}

// deleteClusterCommand removes the cluster a scenario would use, for cleaning
// up after runs that kept it
func deleteClusterCommand(config *environment.ConfigDetails) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-cluster <test name>",
		Short: "Delete the cluster derived from a test name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAtlasClient(config)

			org, err := client.GetOrganizationByName(config.OrganizationName)
			if err != nil {
				return err
			}
			project, err := client.EnsureProject(config.ProjectName, org.ID)
			if err != nil {
				return err
			}

			cluster := &types.ClusterDetails{
				Name:      scenario.ClusterName(args[0], config.ClusterNameSalt),
				ProjectID: project.ID,
			}
			if err := client.DeleteCluster(cluster); err != nil {
				return err
			}
			log.Infof("Cluster '%s' marked for deletion", cluster.Name)
			return nil
		},
	}
}
