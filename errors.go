// Completion: 100% - Diagnostics complete, typed errors rendered with help text
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/xyproto/barf/internal/object"
)

// ErrorLevel indicates the severity of a diagnostic
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelError
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies which stage produced a diagnostic
type ErrorCategory int

const (
	CategoryUsage ErrorCategory = iota
	CategoryInput
	CategoryLink
	CategoryLoad
	CategoryInternal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryUsage:
		return "usage"
	case CategoryInput:
		return "input"
	case CategoryLink:
		return "link"
	case CategoryLoad:
		return "load"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Location points into an input file
type Location struct {
	File    string
	Section string
	Offset  int64 // -1 when unknown
}

func (loc Location) String() string {
	var sb strings.Builder
	sb.WriteString(loc.File)
	if loc.Section != "" {
		if sb.Len() > 0 {
			sb.WriteString(":")
		}
		sb.WriteString(loc.Section)
	}
	if loc.Offset >= 0 {
		fmt.Fprintf(&sb, "+0x%x", loc.Offset)
	}
	return sb.String()
}

// ErrorContext provides additional context for a diagnostic
type ErrorContext struct {
	Suggestion string // "did you mean 'x'?"
	HelpText   string // explanatory note
}

// Diagnostic is one user facing problem report
type Diagnostic struct {
	Level    ErrorLevel
	Category ErrorCategory
	Message  string
	Location Location
	Context  ErrorContext
	Err      error
}

// Error implements the error interface
func (d Diagnostic) Error() string {
	if loc := d.Location.String(); loc != "" {
		return fmt.Sprintf("%s: %s", loc, d.Message)
	}
	return d.Message
}

// Unwrap returns the underlying error
func (d Diagnostic) Unwrap() error {
	return d.Err
}

// Format returns the diagnostic with its location and help lines
func (d Diagnostic) Format(useColor bool) string {
	var sb strings.Builder

	paint := func(code, s string) {
		if useColor {
			sb.WriteString(code)
		}
		sb.WriteString(s)
		if useColor {
			sb.WriteString("\033[0m")
		}
	}

	header := "\033[1;31m" // bold red
	if d.Level == LevelWarning {
		header = "\033[1;33m" // bold yellow
	}
	paint(header, d.Level.String()+": ")
	sb.WriteString(d.Message)
	sb.WriteString("\n")

	if loc := d.Location.String(); loc != "" {
		paint("\033[1;34m", "  --> ")
		sb.WriteString(loc)
		sb.WriteString("\n")
	}
	if d.Context.Suggestion != "" {
		paint("\033[1;32m", "   help: ")
		sb.WriteString(d.Context.Suggestion)
		sb.WriteString("\n")
	}
	if d.Context.HelpText != "" {
		paint("\033[1;36m", "   note: ")
		sb.WriteString(d.Context.HelpText)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Diagnose turns an error from any stage into a diagnostic
func Diagnose(err error) Diagnostic {
	var d Diagnostic
	if errors.As(err, &d) {
		return d
	}
	d = Diagnostic{Level: LevelError, Category: CategoryInternal, Message: err.Error(), Location: Location{Offset: -1}, Err: err}

	var (
		formatErr    *object.FormatError
		truncated    *object.TruncatedError
		archErr      *object.UnsupportedArchitectureError
		relocErr     *object.UnsupportedRelocationError
		corrupt      *object.CorruptContainerError
		version      *object.VersionMismatchError
		duplicate    *object.DuplicateSymbolError
		missingEntry *object.MissingEntryPointError
		unresolved   *object.UnresolvedImportError
		overflow     *object.RelocationOverflowError
		pathErr      *fs.PathError
	)
	switch {
	case errors.As(err, &formatErr):
		d.Category = CategoryInput
		d.Message = formatErr.Reason
		d.Location = Location{File: formatErr.File, Offset: formatErr.Offset}
		d.Context.HelpText = "inputs must be ELF64 or COFF relocatable objects, or BARF containers"
	case errors.As(err, &truncated):
		d.Category = CategoryInput
		d.Message = fmt.Sprintf("truncated %s", truncated.Table)
		d.Location = Location{File: truncated.File, Offset: int64(truncated.Offset)}
		d.Context.HelpText = fmt.Sprintf("the table needs 0x%x bytes but the file ends at 0x%x", truncated.Size, truncated.Length)
	case errors.As(err, &archErr):
		d.Category = CategoryInput
		d.Message = fmt.Sprintf("unsupported architecture %s", archErr.Machine)
		d.Location = Location{File: archErr.File, Offset: -1}
		d.Context.HelpText = archErr.Reason
		if d.Context.HelpText == "" {
			d.Context.HelpText = "only x86-64 objects can be relocated"
		}
	case errors.As(err, &relocErr):
		d.Category = CategoryInput
		d.Message = fmt.Sprintf("unsupported relocation type %s", relocErr.Type)
		d.Location = Location{File: relocErr.File, Section: relocErr.Section, Offset: int64(relocErr.Offset)}
		d.Context.HelpText = "compile without -fPIC/-mcmodel options that need other relocation types"
	case errors.As(err, &corrupt):
		d.Category = CategoryInput
		d.Message = "corrupt container: " + corrupt.Reason
		d.Location = Location{File: corrupt.File, Offset: int64(corrupt.Offset)}
	case errors.As(err, &version):
		d.Category = CategoryInput
		d.Message = fmt.Sprintf("container version %d is not supported", version.Version)
		d.Location = Location{File: version.File, Offset: -1}
		d.Context.HelpText = fmt.Sprintf("this build reads containers up to version %d", version.Supported)
	case errors.As(err, &duplicate):
		d.Category = CategoryLink
		d.Message = fmt.Sprintf("duplicate symbol '%s'", duplicate.Name)
		d.Location = Location{File: duplicate.Second, Offset: -1}
		d.Context.HelpText = fmt.Sprintf("first defined in %s", duplicate.First)
	case errors.As(err, &missingEntry):
		d.Category = CategoryLink
		d.Message = fmt.Sprintf("entry point '%s' is not defined", missingEntry.Name)
		d.Context.HelpText = "define int ba_entry(const char *path, const char *data, int size), pass -entry, or build a library with -no-entry"
	case errors.As(err, &unresolved):
		d.Category = CategoryLoad
		d.Message = fmt.Sprintf("unresolved import '%s'", unresolved.Name)
		if len(unresolved.Suggestions) > 0 {
			d.Context.Suggestion = fmt.Sprintf("did you mean '%s'?", unresolved.Suggestions[0])
		}
		d.Context.HelpText = "imports are bound to platform functions when the artifact is loaded"
	case errors.As(err, &overflow):
		d.Category = CategoryLink
		d.Message = fmt.Sprintf("%s relocation overflows", overflow.Kind)
		d.Location = Location{Section: overflow.Section, Offset: int64(overflow.Offset)}
		if overflow.Symbol != "" {
			d.Context.HelpText = fmt.Sprintf("target '%s' is out of range of a 32-bit field", overflow.Symbol)
		}
	case errors.As(err, &pathErr):
		d.Category = CategoryUsage
		d.Message = fmt.Sprintf("%s: %v", pathErr.Op, pathErr.Err)
		d.Location = Location{File: pathErr.Path, Offset: -1}
	}
	return d
}

// DiagnosticCollector accumulates diagnostics over several inputs
type DiagnosticCollector struct {
	errors    []Diagnostic
	warnings  []Diagnostic
	maxErrors int
}

// NewDiagnosticCollector creates a collector that stops after maxErrors
func NewDiagnosticCollector(maxErrors int) *DiagnosticCollector {
	if maxErrors <= 0 {
		maxErrors = 10
	}
	return &DiagnosticCollector{maxErrors: maxErrors}
}

// Add records err as a diagnostic
func (dc *DiagnosticCollector) Add(err error) {
	d := Diagnose(err)
	if d.Level == LevelWarning {
		dc.warnings = append(dc.warnings, d)
		return
	}
	dc.errors = append(dc.errors, d)
}

// AddWarning records a warning
func (dc *DiagnosticCollector) AddWarning(msg string, loc Location) {
	dc.warnings = append(dc.warnings, Diagnostic{Level: LevelWarning, Message: msg, Location: loc})
}

// HasErrors returns true if any errors were collected
func (dc *DiagnosticCollector) HasErrors() bool {
	return len(dc.errors) > 0
}

// ShouldStop returns true once the error limit is reached
func (dc *DiagnosticCollector) ShouldStop() bool {
	return len(dc.errors) >= dc.maxErrors
}

// Err returns the collected errors as one error, or nil
func (dc *DiagnosticCollector) Err() error {
	switch len(dc.errors) {
	case 0:
		return nil
	case 1:
		return dc.errors[0]
	default:
		return &reportedError{dc: dc}
	}
}

// Report formats all diagnostics with a summary line
func (dc *DiagnosticCollector) Report(useColor bool) string {
	var sb strings.Builder
	for i, d := range dc.errors {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(d.Format(useColor))
	}
	for i, d := range dc.warnings {
		if i > 0 || len(dc.errors) > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(d.Format(useColor))
	}
	if len(dc.errors) > 1 || len(dc.warnings) > 0 {
		sb.WriteString("\n")
		var parts []string
		if len(dc.errors) > 0 {
			parts = append(parts, fmt.Sprintf("%d error(s)", len(dc.errors)))
		}
		if len(dc.warnings) > 0 {
			parts = append(parts, fmt.Sprintf("%d warning(s)", len(dc.warnings)))
		}
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString(" found\n")
	}
	return sb.String()
}

// reportedError carries a collector through an error return
type reportedError struct {
	dc *DiagnosticCollector
}

func (e *reportedError) Error() string {
	msgs := make([]string, len(e.dc.errors))
	for i, d := range e.dc.errors {
		msgs[i] = d.Error()
	}
	return strings.Join(msgs, "\n")
}

// Unwrap exposes every collected error to errors.Is and errors.As
func (e *reportedError) Unwrap() []error {
	errs := make([]error, len(e.dc.errors))
	for i, d := range e.dc.errors {
		errs[i] = d
	}
	return errs
}

// usageError creates a diagnostic for bad command lines
func usageError(format string, args ...any) Diagnostic {
	return Diagnostic{
		Level:    LevelError,
		Category: CategoryUsage,
		Message:  fmt.Sprintf(format, args...),
		Location: Location{Offset: -1},
		Context:  ErrorContext{HelpText: "run 'barf help' for usage information"},
	}
}

// printError writes err to stderr in diagnostic form
func printError(err error, useColor bool) string {
	var rep *reportedError
	if errors.As(err, &rep) {
		return rep.dc.Report(useColor)
	}
	return Diagnose(err).Format(useColor)
}
