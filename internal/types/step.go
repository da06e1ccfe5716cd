package types

// ApprovalTrigger is what a step reports it did, as input to the HITL gate.
type ApprovalTrigger string

const (
	TriggerNone          ApprovalTrigger = ""
	TriggerPlanChange    ApprovalTrigger = "plan_change"
	TriggerToolExecution ApprovalTrigger = "tool_execution"
	TriggerArtifact      ApprovalTrigger = "artifact_generation"
	TriggerIrreversible  ApprovalTrigger = "irreversible_action"
)

// StepContext is the context handed to the step executor and carried across
// checkpoints so a resumed mission continues at the next iteration.
type StepContext struct {
	Step       int               `json:"step"`
	LastOutput string            `json:"last_output,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy.
func (c StepContext) Clone() StepContext {
	out := c
	if c.Attributes != nil {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// StepResult is what the step executor reports for one completed step.
type StepResult struct {
	Cost            float64           `json:"cost"`
	GoalAchieved    bool              `json:"goal_achieved"`
	Output          string            `json:"output,omitempty"`
	ApprovalTrigger ApprovalTrigger   `json:"approval_trigger,omitempty"`
	Irreversible    bool              `json:"irreversible,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	Next            map[string]string `json:"next,omitempty"`
}
