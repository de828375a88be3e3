package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/datallog-core/internal/containerdriver"
	"github.com/cuemby/datallog-core/internal/controller"
	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/envdir"
	"github.com/cuemby/datallog-core/internal/events"
	"github.com/cuemby/datallog-core/internal/log"
	"github.com/cuemby/datallog-core/internal/projectconfig"
	"github.com/cuemby/datallog-core/internal/server"
	"github.com/cuemby/datallog-core/internal/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <app>",
	Short: "Run a deployed application's step graph locally against its built runtime image",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("seed", "", "Seed argument as a JSON literal")
	runCmd.Flags().String("seed-file", "", "Path to a file containing the seed argument as JSON")
	runCmd.Flags().Int("parallelism", 1, "Maximum number of concurrently running workers")
	runCmd.Flags().String("log-to-dir", "", "Directory to additionally mirror diagnostic logs into")
}

func runRun(cmd *cobra.Command, args []string) error {
	appName := args[0]

	seedFlag, _ := cmd.Flags().GetString("seed")
	seedFile, _ := cmd.Flags().GetString("seed-file")
	parallelism, _ := cmd.Flags().GetInt("parallelism")
	logToDir, _ := cmd.Flags().GetString("log-to-dir")

	initExecutionLogging(logToDir)

	cwd, err := currentPath()
	if err != nil {
		return err
	}
	parentDir := filepath.Dir(cwd)

	settings, err := loadSettings(parentDir)
	if err != nil {
		return err
	}

	projectCfg, err := projectconfig.Load(filepath.Join(cwd, "project.ini"))
	if err != nil {
		return err
	}
	runtimeTag, err := projectCfg.RuntimeTag()
	if err != nil {
		return err
	}

	seed, err := resolveSeed(seedFlag, seedFile)
	if err != nil {
		return err
	}

	// deployDir is the project root: it holds project.ini, requirements.txt,
	// and apps/<app>/<app>.py for every app in the project, and is bind-mounted
	// whole onto /deploy so that path resolves inside every worker container.
	deployDir := cwd
	if _, err := appEntryPath(deployDir, appName); err != nil {
		return err
	}
	envRoot := filepath.Join(parentDir, "project-envs")
	envDir, err := envdir.Resolve(envRoot, deployDir)
	if err != nil {
		return fmt.Errorf("resolving env directory: %w", err)
	}

	driver, err := containerdriver.New(settings.ContainerEngine, nil)
	if err != nil {
		return err
	}

	ctx := context.Background()
	manifest, err := driver.GenerateBuild(ctx, runtimeTag, deployDir, envDir)
	if err != nil {
		return err
	}

	sockPath, err := server.SocketPath(os.TempDir(), "datallog_worker")
	if err != nil {
		return err
	}

	var logToDirPtr *string
	if logToDir != "" {
		logToDirPtr = &logToDir
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	var ctrl *controller.Controller
	spawn := func(workerID int) error {
		go func() {
			runErr := driver.RunApp(ctx, runtimeTag, envDir, deployDir, sockPath, workerID, logToDirPtr)
			ctrl.Retire(workerID, runErr)
		}()
		return nil
	}

	ctrl, err = controller.New(controller.Config{
		Props: types.ExecutionProps{
			FilePath:    filepath.Join("/deploy", "apps", appName, appName+".py"),
			ExecutionID: newExecutionID(),
			LogToDir:    logToDirPtr,
		},
		StepCount:   len(manifest.Steps),
		Parallelism: parallelism,
		Seed:        seed,
		Spawn:       spawn,
		Broker:      broker,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(sockPath, ctrl)
	if err != nil {
		return err
	}
	go srv.Serve()
	<-ctrl.Done()

	if fatalErr := ctrl.FatalError(); fatalErr != nil {
		log.WithComponent("run").Error().Err(fatalErr).Msg("execution aborted")
		return fatalErr
	}

	return printOutcome(ctrl)
}

// printOutcome prints a single JSON result, the JSON list when more than
// one was produced, or the literal string "None" when none were, then
// surfaces a non-zero exit via a returned error when the error list is
// non-empty.
func printOutcome(ctrl *controller.Controller) error {
	results := ctrl.Results()
	errs := ctrl.Errors()

	switch len(results) {
	case 0:
		fmt.Println("None")
	case 1:
		fmt.Println(string(results[0].Result))
	default:
		values := make([]json.RawMessage, len(results))
		for i, r := range results {
			values[i] = r.Result
		}
		out, err := json.Marshal(values)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	if len(errs) > 0 {
		log.WithComponent("run").Error().Int("count", len(errs)).Msg("execution completed with worker errors")
		return fmt.Errorf("%d worker error(s) occurred: %w", len(errs), corerr.ErrWorkerFailed)
	}
	return nil
}
