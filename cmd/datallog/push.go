package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cuemby/datallog-core/internal/containerdriver"
	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/deploy"
	"github.com/cuemby/datallog-core/internal/log"
	"github.com/cuemby/datallog-core/internal/projectconfig"
	"github.com/cuemby/datallog-core/internal/registry"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push <app>",
	Short: "Build and publish an application's runtime, reusing build-cache layers when possible",
	Args:  cobra.ExactArgs(1),
	RunE:  runPush,
}

func init() {
	pushCmd.Flags().String("log-to-dir", "", "Directory to additionally mirror diagnostic logs into")
	pushCmd.Flags().String("registry-url", "", "Remote build-cache registry base URL")
	pushCmd.Flags().String("registry-token", "", "Remote build-cache registry credential")
}

func runPush(cmd *cobra.Command, args []string) error {
	appName := args[0]

	logToDir, _ := cmd.Flags().GetString("log-to-dir")
	initExecutionLogging(logToDir)

	registryURL, _ := cmd.Flags().GetString("registry-url")
	token, _ := cmd.Flags().GetString("registry-token")
	if registryURL == "" || token == "" {
		return fmt.Errorf("--registry-url and --registry-token are required: %w", corerr.ErrAuthRequired)
	}

	cwd, err := currentPath()
	if err != nil {
		return err
	}
	parentDir := filepath.Dir(cwd)

	settings, err := loadSettings(parentDir)
	if err != nil {
		return err
	}

	// deployDir is the project root: it holds project.ini, requirements.txt,
	// and apps/<app>/<app>.py for every app in the project, and is bind-mounted
	// whole onto /deploy so that path resolves inside every worker container.
	deployDir := cwd
	projectCfg, err := projectconfig.Load(filepath.Join(deployDir, "project.ini"))
	if err != nil {
		return err
	}
	runtimeTag, err := projectCfg.RuntimeTag()
	if err != nil {
		return err
	}
	if _, err := appEntryPath(deployDir, appName); err != nil {
		return err
	}

	driver, err := containerdriver.New(settings.ContainerEngine, nil)
	if err != nil {
		return err
	}
	reg := registry.New(registryURL, token)

	result, err := deploy.Publish(context.Background(), deploy.Request{
		RuntimeTag:       runtimeTag,
		ProjectID:        projectCfg.Name,
		DeployDir:        deployDir,
		RequirementsFile: filepath.Join(deployDir, "requirements.txt"),
		EnvRoot:          filepath.Join(parentDir, "project-envs"),
		RuntimesRoot:     filepath.Join(parentDir, "runtimes"),
	}, driver, reg)
	if err != nil {
		return err
	}

	log.WithComponent("push").Info().
		Str("requirements_build_id", result.Requirements.ID).
		Str("application_build_id", result.Application.ID).
		Msg("publish complete")
	fmt.Printf("published %s (%s): requirements=%s application=%s\n",
		projectCfg.Name, runtimeTag, result.Requirements.Status, result.Application.Status)
	return nil
}
