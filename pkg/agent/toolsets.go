package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/tools"
)

func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

func pathSchema() string {
	return `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`
}

// registerReadTools adds read_file, list_dir and file_exists.
func registerReadTools(r *tools.Registry, fs FileSystem) {
	r.RegisterBatch([]tools.Registration{
		{
			Definition: models.ToolDefinition{
				Name:             "read_file",
				Description:      "Read a file and return its content",
				ParametersSchema: pathSchema(),
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				path, err := stringArg(input, "path")
				if err != nil {
					return "", err
				}
				return fs.ReadFile(ctx, path)
			},
			Options: tools.RegisterOptions{Category: tools.CategoryRead, Priority: 10},
		},
		{
			Definition: models.ToolDefinition{
				Name:             "list_dir",
				Description:      "List files under a directory",
				ParametersSchema: pathSchema(),
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				path, _ := input["path"].(string)
				entries, err := fs.ListDir(ctx, path)
				if err != nil {
					return "", err
				}
				return strings.Join(entries, "\n"), nil
			},
			Options: tools.RegisterOptions{Category: tools.CategoryRead, Priority: 5},
		},
		{
			Definition: models.ToolDefinition{
				Name:             "file_exists",
				Description:      "Report whether a file exists",
				ParametersSchema: pathSchema(),
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				path, err := stringArg(input, "path")
				if err != nil {
					return "", err
				}
				ok, err := fs.Exists(ctx, path)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%t", ok), nil
			},
			Options: tools.RegisterOptions{Category: tools.CategoryRead},
		},
	})
}

// registerWriteTools adds write_file and delete_file. onWrite and
// onDelete run before the operation so callers can snapshot.
func registerWriteTools(r *tools.Registry, fs FileSystem, onWrite, onDelete func(ctx context.Context, path string) error) {
	r.RegisterBatch([]tools.Registration{
		{
			Definition: models.ToolDefinition{
				Name:             "write_file",
				Description:      "Create or overwrite a file with the given content",
				ParametersSchema: `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				path, err := stringArg(input, "path")
				if err != nil {
					return "", err
				}
				content, _ := input["content"].(string)
				if onWrite != nil {
					if err := onWrite(ctx, path); err != nil {
						return "", err
					}
				}
				if err := fs.WriteFile(ctx, path, content); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
			},
			Options: tools.RegisterOptions{Category: tools.CategoryWrite, Priority: 10},
		},
		{
			Definition: models.ToolDefinition{
				Name:             "delete_file",
				Description:      "Delete a file",
				ParametersSchema: pathSchema(),
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				path, err := stringArg(input, "path")
				if err != nil {
					return "", err
				}
				if onDelete != nil {
					if err := onDelete(ctx, path); err != nil {
						return "", err
					}
				}
				if err := fs.DeleteFile(ctx, path); err != nil {
					return "", err
				}
				return "deleted " + path, nil
			},
			Options: tools.RegisterOptions{Category: tools.CategoryWrite},
		},
	})
}

// registerShellTools adds run_shell. onCommand observes every command.
func registerShellTools(r *tools.Registry, sh Shell, onCommand func(command string)) {
	r.RegisterBatch([]tools.Registration{
		{
			Definition: models.ToolDefinition{
				Name:             "run_shell",
				Description:      "Run a shell command and return its output",
				ParametersSchema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				command, err := stringArg(input, "command")
				if err != nil {
					return "", err
				}
				if onCommand != nil {
					onCommand(command)
				}
				return sh.Run(ctx, command)
			},
			Options: tools.RegisterOptions{Category: tools.CategoryShell, Priority: 5},
		},
	})
}

// registerPackageTools adds npm_install backed by the shell.
func registerPackageTools(r *tools.Registry, sh Shell, onCommand func(command string)) {
	r.RegisterBatch([]tools.Registration{
		{
			Definition: models.ToolDefinition{
				Name:             "npm_install",
				Description:      "Install an npm package",
				ParametersSchema: `{"type":"object","properties":{"package":{"type":"string"}},"required":["package"]}`,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				pkg, err := stringArg(input, "package")
				if err != nil {
					return "", err
				}
				command := "npm install " + pkg
				if onCommand != nil {
					onCommand(command)
				}
				return sh.Run(ctx, command)
			},
			Options: tools.RegisterOptions{Category: tools.CategoryPackage},
		},
	})
}

// registerProcessTools adds start_process, stop_process and
// list_processes.
func registerProcessTools(r *tools.Registry, pm ProcessManager) {
	r.RegisterBatch([]tools.Registration{
		{
			Definition: models.ToolDefinition{
				Name:             "start_process",
				Description:      "Start a long-running process",
				ParametersSchema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				command, err := stringArg(input, "command")
				if err != nil {
					return "", err
				}
				return pm.Start(ctx, command)
			},
			Options: tools.RegisterOptions{Category: tools.CategoryShell},
		},
		{
			Definition: models.ToolDefinition{
				Name:             "stop_process",
				Description:      "Stop a process started earlier",
				ParametersSchema: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				id, err := stringArg(input, "id")
				if err != nil {
					return "", err
				}
				if err := pm.Stop(ctx, id); err != nil {
					return "", err
				}
				return "stopped " + id, nil
			},
			Options: tools.RegisterOptions{Category: tools.CategoryShell},
		},
		{
			Definition: models.ToolDefinition{
				Name:             "list_processes",
				Description:      "List running processes",
				ParametersSchema: `{"type":"object","properties":{}}`,
			},
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				return strings.Join(pm.Running(), "\n"), nil
			},
			Options: tools.RegisterOptions{Category: tools.CategoryRead},
		},
	})
}

// registerTestTools adds run_tests. onReport observes each report.
func registerTestTools(r *tools.Registry, tr TestRunner, onReport func(report TestReport)) {
	r.RegisterBatch([]tools.Registration{
		{
			Definition: models.ToolDefinition{
				Name:             "run_tests",
				Description:      "Run the test suite for a target",
				ParametersSchema: `{"type":"object","properties":{"target":{"type":"string"}},"required":["target"]}`,
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				target, err := stringArg(input, "target")
				if err != nil {
					return "", err
				}
				report, err := tr.RunTests(ctx, target)
				if err != nil {
					return "", err
				}
				if onReport != nil {
					onReport(report)
				}
				return fmt.Sprintf("%d passed, %d failed\n%s", report.Passed, report.Failed, report.Output), nil
			},
			Options: tools.RegisterOptions{Category: tools.CategoryTest},
		},
	})
}

// registerAnalysisTools adds analyze_file. analyze wraps the analyzer so
// callers can memoise.
func registerAnalysisTools(r *tools.Registry, fs FileSystem, analyze func(ctx context.Context, path, content string) (string, error)) {
	r.RegisterBatch([]tools.Registration{
		{
			Definition: models.ToolDefinition{
				Name:             "analyze_file",
				Description:      "Analyze a source file and report findings",
				ParametersSchema: pathSchema(),
			},
			Handler: func(ctx context.Context, input map[string]any) (string, error) {
				path, err := stringArg(input, "path")
				if err != nil {
					return "", err
				}
				content, err := fs.ReadFile(ctx, path)
				if err != nil {
					return "", err
				}
				return analyze(ctx, path, content)
			},
			Options: tools.RegisterOptions{Category: tools.CategoryAnalysis},
		},
	})
}
