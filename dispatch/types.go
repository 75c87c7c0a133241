package dispatch

// Capability request types form a closed, versioned set. Introducing a new
// capability means adding a constant here and a row to the routing table.
const (
	TypeResourceRequest  = "resource-request"
	TypeSamplingTask     = "sampling-task"
	TypeToolExecution    = "tool-execution"
	TypeDatabaseQuery    = "database-query"
	TypeInternetSearch   = "internet-search"
	TypeRootOperation    = "root-operation"
	TypePromptManagement = "prompt-management"
	TypeLLMResponse      = "llm-response"

	// TypeDefault is the routing table's fallback row for undeclared types.
	TypeDefault = "default"
)

// Types lists every declared capability type, excluding the default row.
func Types() []string {
	return []string{
		TypeResourceRequest,
		TypeSamplingTask,
		TypeToolExecution,
		TypeDatabaseQuery,
		TypeInternetSearch,
		TypeRootOperation,
		TypePromptManagement,
		TypeLLMResponse,
	}
}

// Backend identifiers referenced by the routing table.
const (
	BackendResources = "resources"
	BackendSampling  = "sampling"
	BackendTools     = "tools"
	BackendDatabase  = "database"
	BackendInternet  = "internet"
	BackendRoots     = "roots"
	BackendPrompts   = "prompts"
)

// DefaultRoutingTable maps every declared capability type to its backend.
// LLM responses flow through the resources backend, which also serves as
// the default target.
func DefaultRoutingTable() map[string]string {
	return map[string]string{
		TypeResourceRequest:  BackendResources,
		TypeSamplingTask:     BackendSampling,
		TypeToolExecution:    BackendTools,
		TypeDatabaseQuery:    BackendDatabase,
		TypeInternetSearch:   BackendInternet,
		TypeRootOperation:    BackendRoots,
		TypePromptManagement: BackendPrompts,
		TypeLLMResponse:      BackendResources,
		TypeDefault:          BackendResources,
	}
}
