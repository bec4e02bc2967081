// Package browser defines the contract between the engine and the automated
// browser driving the AI Studio page, plus the session state the worker
// maintains on top of it. The engine depends only on the Facade interface;
// the concrete automation driver lives outside this module and is injected
// at startup.
package browser

import (
	"context"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// FunctionCallWidget is one native function-call widget scraped from the
// response pane: the function name from the header and the raw JSON
// arguments from the body.
type FunctionCallWidget struct {
	Name          string
	ArgumentsJSON string
}

// Facade is the capability surface of the automated browser page. All calls
// are blocking and honour ctx cancellation. Only the queue worker may invoke
// mutating methods, and only while holding the processing lock.
type Facade interface {
	// OpenPage navigates to the chat UI and waits for it to become ready.
	OpenPage(ctx context.Context) error
	// Refresh performs a quick refresh (navigate-to-self + wait-for-idle),
	// the recovery step for transient DOM failures.
	Refresh(ctx context.Context) error
	// Connected reports whether the underlying browser is still attached.
	Connected() bool
	// PageReady reports whether the chat UI finished loading.
	PageReady() bool

	// ActivateProfile loads the credential blob at path into the browser
	// storage and reloads the page under that identity.
	ActivateProfile(ctx context.Context, path string) error

	// ListModels reads the model ids offered by the page's model picker.
	ListModels(ctx context.Context) ([]string, error)
	// SwitchModel drives the model picker to the given model id.
	SwitchModel(ctx context.Context, modelID string) error

	// SetParameter sets one generation parameter control on the page.
	SetParameter(ctx context.Context, name string, value any) error

	// SubmitPrompt uploads attachments, types the prompt and presses Run.
	// It returns once the page reports the submission as accepted. The
	// correlation id is injected as a request header so the wire
	// interceptor can key the event channel.
	SubmitPrompt(ctx context.Context, prompt string, attachments []interfaces.Attachment, correlationID string) error

	// GenerationActive reports whether the page still shows generation in
	// progress (stop button present or Run button disabled).
	GenerationActive(ctx context.Context) (bool, error)
	// ResponseStable reports whether the response container has stopped
	// changing across the final-state-check window.
	ResponseStable(ctx context.Context) (bool, error)
	// FinalText reads the complete response text from the DOM.
	FinalText(ctx context.Context) (string, error)
	// ReasoningText reads the thinking panel contents, empty when absent.
	ReasoningText(ctx context.Context) (string, error)
	// FunctionCallWidgets scrapes the native function-call widgets.
	FunctionCallWidgets(ctx context.Context) ([]FunctionCallWidget, error)
	// ClickStop presses the stop-generating button, best effort.
	ClickStop(ctx context.Context) error

	// SetFunctionToggle flips the function-calling toggle and waits for
	// aria-checked to reflect the requested state.
	SetFunctionToggle(ctx context.Context, enabled bool) error
	// FunctionToggleEnabled reads the current toggle state.
	FunctionToggleEnabled(ctx context.Context) (bool, error)
	// InstallDeclarations opens the declarations editor, replaces its
	// contents with canonicalJSON and saves.
	InstallDeclarations(ctx context.Context, canonicalJSON string) error

	// ClearChat clears the page conversation history.
	ClearChat(ctx context.Context) error
}
