// Package parley is a conversation-orchestration core for LLM-backed agents.
//
// It provides the machinery that sits between a host application and an LLM
// backend: a plugin event system with behavioral hooks and observational
// callbacks, an access-controlled tool execution pipeline, a file-descriptor
// paging layer for oversized tool output, and a process model that supports
// forking a running conversation into isolated, privilege-reduced children.
//
// # Quick Start
//
//	provider := openaicompat.New(apiKey, model, baseURL)
//
//	proc, err := parley.NewProcess(provider,
//		parley.WithSystemPrompt("You are a helpful assistant."),
//		parley.WithTools(parley.ForkTool()),
//		parley.WithPlugins(
//			parley.NewFDPlugin(),
//			parley.NewStderrPlugin(),
//		),
//	)
//
//	result, err := proc.Run(ctx, "Summarize this repository.")
//
// # Core Pieces
//
//   - [Process] — owns conversation state, tools, file descriptors, and plugins;
//     drives the turn loop and supports [Process.Fork]
//   - [ToolManager] — the single gate through which every tool call passes
//     (access control, hook interception, context injection)
//   - [EventRunner] — dispatches behavioral hooks (sequential, fail-fast) and
//     observational callbacks (background, fail-soft) to registered plugins
//   - [FileDescriptorManager] — pages oversized text behind stable fd handles
//   - [Spawn] — concurrent fan-out of forked child conversations
//
// Plugins declare capabilities through small interfaces ([UserInputHook],
// [ToolCallHook], [ToolObserver], ...) resolved once at registration time.
//
// Storage lives in store/sqlite and store/postgres; tracing and metrics in
// observer; an OpenAI-compatible provider in provider/openaicompat.
package parley
