package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

type globalArgs struct {
	EnvFile string
}

// BrokerSvc runs the broker under the system service manager.
type BrokerSvc struct {
	stop func()
	wait chan error
	cmd  *cobra.Command
	args *globalArgs
}

// Start implements service.Interface.
func (svc *BrokerSvc) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	svc.stop = cancel
	svc.wait = make(chan error, 1)
	go func() {
		defer cancel()
		defer close(svc.wait)
		err := runServe(ctx, &svc.args.EnvFile)(svc.cmd, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		svc.wait <- err
		s.Stop()
	}()
	return nil
}

// Stop implements service.Interface.
func (svc *BrokerSvc) Stop(s service.Service) error {
	if svc.stop == nil {
		return nil
	}
	svc.stop()
	if err, ok := <-svc.wait; ok && err != nil {
		return err
	}
	return nil
}

// NewRootCommand builds the command tree.
func NewRootCommand(ctx context.Context) *cobra.Command {
	gArgs := &globalArgs{}

	rootCmd := &cobra.Command{
		Use:          "gh-runner-broker",
		Short:        "Policy gated credential broker for GitHub self-hosted runners",
		Args:         cobra.NoArgs,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&gArgs.EnvFile, "env-file", "", ".env", "Read in a file of environment variables.")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"daemon"},
		Short:   "Run the broker API and the reconciliation loop",
		Args:    cobra.NoArgs,
		RunE:    runServe(ctx, &gArgs.EnvFile),
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle and print its summary",
		Args:  cobra.NoArgs,
		RunE:  runReconcile(ctx, &gArgs.EnvFile),
	}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage label policies",
	}
	policyCmd.AddCommand(
		&cobra.Command{
			Use:   "import <file>",
			Short: "Import a YAML policy seed file",
			Args:  cobra.ExactArgs(1),
			RunE:  runPolicyImport(ctx, &gArgs.EnvFile),
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the stored policies",
			Args:  cobra.NoArgs,
			RunE:  runPolicyList(ctx, &gArgs.EnvFile),
		},
	)

	rootCmd.AddCommand(serveCmd, reconcileCmd, policyCmd, svcCommand(gArgs))

	// hide completion command
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	return rootCmd
}

func svcCommand(gArgs *globalArgs) *cobra.Command {
	cmdSvc := &cobra.Command{
		Use:   "svc",
		Short: "Manage the broker as a system service",
	}
	wd, _ := os.Getwd()
	newSvc := func() (service.Service, error) {
		return service.New(&BrokerSvc{cmd: cmdSvc, args: gArgs}, getSvcConfig(wd, gArgs))
	}

	svcRun := &cobra.Command{
		Use:   "run",
		Short: "Used as service entrypoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.Chdir(wd); err != nil {
				return err
			}
			stdOut, err := os.OpenFile("gh-runner-broker-log.txt", os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
			if err == nil {
				os.Stdout = stdOut
				defer os.Stdout.Close()
			}
			stdErr, err := os.OpenFile("gh-runner-broker-log-error.txt", os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
			if err == nil {
				os.Stderr = stdErr
				log.SetOutput(stdErr)
				defer os.Stderr.Close()
			}

			if err := godotenv.Overload(gArgs.EnvFile); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to load godotenv file '%s': %s", gArgs.EnvFile, err.Error())
			}

			svc, err := newSvc()
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}
	svcRun.Flags().StringVar(&wd, "working-directory", wd, "path to the working directory of the broker config")

	svcInstall := &cobra.Command{
		Use:   "install",
		Short: "Install the service may require admin privileges",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newSvc()
			if err != nil {
				return err
			}
			if err := svc.Install(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Success\nPut the broker settings into your '%s' godotenv file\nSee https://pkg.go.dev/github.com/joho/godotenv for the syntax\n", gArgs.EnvFile)
			return nil
		},
	}
	svcControl := func(use, short string, action func(service.Service) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := newSvc()
				if err != nil {
					return err
				}
				return action(svc)
			},
		}
	}

	cmdSvc.AddCommand(
		svcInstall,
		svcRun,
		svcControl("uninstall", "Uninstall the service may require admin privileges", service.Service.Uninstall),
		svcControl("start", "Start the service may require admin privileges", service.Service.Start),
		svcControl("stop", "Stop the service may require admin privileges", service.Service.Stop),
	)
	return cmdSvc
}

func getSvcConfig(wd string, gArgs *globalArgs) *service.Config {
	svcConfig := &service.Config{
		Name:        "gh-runner-broker",
		DisplayName: "GitHub Runner Broker",
		Description: "Issues policy checked registration credentials for GitHub self-hosted runners.",
		Arguments:   []string{"svc", "run", "--working-directory", wd, "--env-file", gArgs.EnvFile},
	}
	if runtime.GOOS == "darwin" {
		svcConfig.Option = service.KeyValue{
			"KeepAlive":   true,
			"RunAtLoad":   true,
			"UserService": os.Getuid() != 0,
		}
	}
	return svcConfig
}
