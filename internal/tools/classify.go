package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/backend"
)

// FailureKind buckets a tool failure by what the user can do about it.
type FailureKind int

const (
	// FailureGeneric is anything without a more specific remedy.
	FailureGeneric FailureKind = iota
	// FailurePermissionDenied means the approval mode blocked the call.
	FailurePermissionDenied
	// FailureToolNotRegistered means the model asked for a tool that does
	// not exist.
	FailureToolNotRegistered
	// FailureInvalidToolParams means the arguments were unusable, most often
	// a path outside the workspace.
	FailureInvalidToolParams
)

func (k FailureKind) String() string {
	switch k {
	case FailurePermissionDenied:
		return "permission_denied"
	case FailureToolNotRegistered:
		return "tool_not_registered"
	case FailureInvalidToolParams:
		return "invalid_tool_params"
	default:
		return "generic"
	}
}

// Classification is the user-facing reading of a tool failure. Advisory is a
// complete assistant-voice message ready to append to the conversation; a
// classified failure is never treated as fatal.
type Classification struct {
	Kind             FailureKind
	OutsideWorkspace bool
	Advisory         string
	Detail           string
}

// Classify turns a tool or backend failure into an advisory. Structured
// error codes are authoritative; when a failure arrives without one, the
// message text decides the bucket.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: FailureGeneric}
	}

	var structured *backend.StructuredError
	if errors.As(err, &structured) {
		return classifyStructured(structured)
	}
	return classifyText(err.Error())
}

func classifyStructured(se *backend.StructuredError) Classification {
	switch se.Code {
	case "permission_denied":
		return permissionDenied(se.Message)
	case "tool_not_registered":
		return toolNotRegistered(se.Message)
	case "invalid_tool_params":
		return invalidToolParams(se.Message)
	}
	// Unknown code: the message text is the next best signal.
	return classifyText(se.Type + ": " + se.Message)
}

func classifyText(msg string) Classification {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "approval mode"),
		strings.Contains(lower, "not allowed"):
		return permissionDenied(msg)
	case strings.Contains(lower, "not registered"),
		strings.Contains(lower, "unknown tool"),
		strings.Contains(lower, "not found in registry"):
		return toolNotRegistered(msg)
	case strings.Contains(lower, "outside of the allowed workspace"),
		strings.Contains(lower, "outside the workspace"),
		strings.Contains(lower, "invalid parameters"),
		strings.Contains(lower, "invalid params"):
		return invalidToolParams(msg)
	}
	return Classification{
		Kind:     FailureGeneric,
		Detail:   msg,
		Advisory: fmt.Sprintf("A tool call failed: %s. I will continue without its result.", msg),
	}
}

func permissionDenied(detail string) Classification {
	return Classification{
		Kind:   FailurePermissionDenied,
		Detail: detail,
		Advisory: "A tool call was blocked by the current approval mode. " +
			"Switch the approval mode to auto_edit (for file changes) or yolo " +
			"(for commands) in the settings and resend the message.",
	}
}

func toolNotRegistered(detail string) Classification {
	return Classification{
		Kind:   FailureToolNotRegistered,
		Detail: detail,
		Advisory: fmt.Sprintf("The model requested a tool that is not available. "+
			"Available tools are: %s. Rephrase the request so it can be served "+
			"by one of them.", strings.Join(Names(), ", ")),
	}
}

func invalidToolParams(detail string) Classification {
	c := Classification{
		Kind:   FailureInvalidToolParams,
		Detail: detail,
	}
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "workspace") {
		c.OutsideWorkspace = true
		c.Advisory = "A tool tried to access a path outside the current workspace. " +
			"Only files under the workspace root are reachable; move the file into " +
			"the workspace or open the workspace that contains it, then retry."
		return c
	}
	c.Advisory = fmt.Sprintf("A tool call carried unusable parameters (%s). "+
		"Rephrasing the request with explicit file paths usually fixes this.", detail)
	return c
}
