package model

import (
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// ActionType enumerates the kinds of deployment actions.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionExecuteFile
	ActionCopyFile
	ActionSendEmail
	ActionCheckUnitTests
	ActionRunDatabaseScript
)

var actionTypeNames = map[ActionType]string{
	ActionNone:              "None",
	ActionExecuteFile:       "ExecuteFile",
	ActionCopyFile:          "CopyFile",
	ActionSendEmail:         "SendEmail",
	ActionCheckUnitTests:    "CheckUnitTests",
	ActionRunDatabaseScript: "RunDatabaseScript",
}

func (t ActionType) String() string {
	if name, ok := actionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ActionType(%d)", int(t))
}

// ParseActionType converts the textual form used in configuration files.
func ParseActionType(s string) (ActionType, error) {
	if s == "" {
		return ActionNone, nil
	}
	for t, name := range actionTypeNames {
		if name == s {
			return t, nil
		}
	}
	return ActionNone, fmt.Errorf("unknown deployment action type %q", s)
}

func (t ActionType) MarshalYAML() (any, error) {
	return t.String(), nil
}

func (t *ActionType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseActionType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DeploymentAction is a single step of a repository's deployment.
type DeploymentAction struct {
	Type            ActionType         `yaml:"type"`
	Parameters      []string           `yaml:"parameters"`
	RollbackActions []DeploymentAction `yaml:"rollback_actions,omitempty"`
	KeyToDeployment bool               `yaml:"key_to_deployment"`
}

// NewDeploymentAction builds a key action with the given parameters.
func NewDeploymentAction(t ActionType, params ...string) DeploymentAction {
	return DeploymentAction{Type: t, Parameters: params, KeyToDeployment: true}
}

// UnmarshalYAML defaults key_to_deployment to true when the key is absent.
func (a *DeploymentAction) UnmarshalYAML(value *yaml.Node) error {
	type plain DeploymentAction
	p := plain{KeyToDeployment: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*a = DeploymentAction(p)
	return nil
}

// Equal compares type and parameters; rollback actions and the key flag are ignored.
func (a DeploymentAction) Equal(other DeploymentAction) bool {
	return a.Type == other.Type && slices.Equal(a.Parameters, other.Parameters)
}

func (a DeploymentAction) Clone() DeploymentAction {
	out := a
	out.Parameters = slices.Clone(a.Parameters)
	if a.RollbackActions != nil {
		out.RollbackActions = make([]DeploymentAction, len(a.RollbackActions))
		for i, r := range a.RollbackActions {
			out.RollbackActions[i] = r.Clone()
		}
	}
	return out
}
