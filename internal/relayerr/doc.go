// Package relayerr defines the failure taxonomy shared by the relay pipeline.
// Each pipeline stage reports failures as *Error values tagged with a Kind so the
// orchestrator can turn them into result events without inspecting messages.
package relayerr
