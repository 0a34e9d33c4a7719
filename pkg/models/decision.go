package models

// DecisionAction discriminates the orchestration decision sum type.
type DecisionAction string

const (
	ActionDelegate        DecisionAction = "delegate"
	ActionDecompose       DecisionAction = "decompose"
	ActionExecuteDirectly DecisionAction = "execute_directly"
	ActionAskUser         DecisionAction = "ask_user"
	ActionComplete        DecisionAction = "complete"
)

// SubTaskDef is one entry of a decomposition. Dependencies are indices of
// prior sub-tasks within the same decomposition; forward and self
// references are stripped by the parser before execution.
type SubTaskDef struct {
	ID           string `json:"id"`
	Agent        string `json:"agent"`
	Task         string `json:"task"`
	Dependencies []int  `json:"dependencies,omitempty"`
	Priority     int    `json:"priority,omitempty"`
}

// Decision is the structured output of the decision oracle. Exactly the
// fields for the tagged action are populated.
type Decision struct {
	Action      DecisionAction `json:"action"`
	TargetAgent string         `json:"target_agent,omitempty"` // delegate
	TaskDesc    string         `json:"task,omitempty"`         // delegate
	SubTasks    []SubTaskDef   `json:"sub_tasks,omitempty"`    // decompose
	Reasoning   string         `json:"reasoning,omitempty"`    // decompose
	Response    string         `json:"response,omitempty"`     // execute_directly | complete
	Question    string         `json:"question,omitempty"`     // ask_user
}
