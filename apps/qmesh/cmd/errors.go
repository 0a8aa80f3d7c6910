package cmd

import (
	"fmt"
	"os"

	"github.com/quatton/qmesh/pkg/qengine"
	sdkerrors "github.com/quatton/qmesh/pkg/qsdk/qerr"
)

// exitIfSdkError inspects errors returned from the SDK and emits user-friendly
// guidance before exiting. The exit status tells scripts which stage failed.
func exitIfSdkError(err error) {
	if err == nil {
		return
	}
	code := 1
	switch {
	case sdkerrors.IsValidation(err):
		fmt.Fprintf(os.Stderr, "invalid option values: %v\n", err)
		code = 3
	case sdkerrors.IsCode(err, sdkerrors.CodeSchema):
		fmt.Fprintf(os.Stderr, "option schema is unusable: %v\n", err)
		code = 3
	case sdkerrors.IsCode(err, sdkerrors.CodeBusy):
		fmt.Fprintf(os.Stderr, "the engine is busy with another run; cancel it or wait (%v)\n", err)
		code = 4
	case sdkerrors.IsCode(err, sdkerrors.CodeSpawn):
		fmt.Fprintf(os.Stderr, "could not start the engine: check engine.path or --engine (%v)\n", err)
		code = 5
	case sdkerrors.IsCode(err, sdkerrors.CodeProcess):
		fmt.Fprintf(os.Stderr, "engine failed: %v\n", err)
		code = 6
	case sdkerrors.IsCode(err, sdkerrors.CodeExport), sdkerrors.IsCode(err, sdkerrors.CodeImport):
		fmt.Fprintf(os.Stderr, "%v\n", err)
		code = 7
	case sdkerrors.IsCode(err, sdkerrors.CodeUnauthorized):
		fmt.Fprintf(os.Stderr, "authentication required: run 'qmesh token issue' (%v)\n", err)
	default:
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	os.Exit(code)
}

// printDiagnostic shows what the engine left behind on failure.
func printDiagnostic(d *qengine.Diagnostic) {
	if d == nil {
		return
	}
	if d.Kind == qengine.FailureProcess {
		fmt.Fprintf(os.Stderr, "exit code: %d\n", d.ExitCode)
	} else if d.Message != "" {
		fmt.Fprintf(os.Stderr, "%s\n", d.Message)
	}
	if d.StderrTail != "" {
		fmt.Fprintf(os.Stderr, "stderr:\n%s\n", d.StderrTail)
	}
	if d.StderrLog != "" {
		fmt.Fprintf(os.Stderr, "full logs: %s, %s\n", d.StdoutLog, d.StderrLog)
	}
}
