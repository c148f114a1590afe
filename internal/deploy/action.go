// Package deploy executes the deployment actions configured for a repository.
package deploy

import (
	"fmt"

	"github.com/rancher/deployd/internal/model"
)

// Action is one executable deployment step. The set of implementations is
// closed; Executor.Execute switches over all of them.
type Action interface {
	Type() model.ActionType
	isAction()
}

// NoAction does nothing and always succeeds.
type NoAction struct{}

// CopyFile copies Source over Destination.
type CopyFile struct {
	Source      string
	Destination string
}

// ExecuteFile runs File with whitespace separated Args. Mode "Elevated" runs
// the file with elevated rights; Username and Password run it as another user.
type ExecuteFile struct {
	File     string
	Args     string
	Mode     string
	Username string
	Password string
}

// SendEmail is recognised but not implemented.
type SendEmail struct{ Parameters []string }

// CheckUnitTests is recognised but not implemented.
type CheckUnitTests struct{ Parameters []string }

// RunDatabaseScript is recognised but not implemented.
type RunDatabaseScript struct{ Parameters []string }

func (NoAction) Type() model.ActionType          { return model.ActionNone }
func (CopyFile) Type() model.ActionType          { return model.ActionCopyFile }
func (ExecuteFile) Type() model.ActionType       { return model.ActionExecuteFile }
func (SendEmail) Type() model.ActionType         { return model.ActionSendEmail }
func (CheckUnitTests) Type() model.ActionType    { return model.ActionCheckUnitTests }
func (RunDatabaseScript) Type() model.ActionType { return model.ActionRunDatabaseScript }

func (NoAction) isAction()          {}
func (CopyFile) isAction()          {}
func (ExecuteFile) isAction()       {}
func (SendEmail) isAction()         {}
func (CheckUnitTests) isAction()    {}
func (RunDatabaseScript) isAction() {}

// FromModel converts a configured action with already substituted parameters.
// Missing positional parameters become empty strings.
func FromModel(a model.DeploymentAction) (Action, error) {
	param := func(i int) string {
		if i < len(a.Parameters) {
			return a.Parameters[i]
		}
		return ""
	}

	switch a.Type {
	case model.ActionNone:
		return NoAction{}, nil
	case model.ActionCopyFile:
		return CopyFile{Source: param(0), Destination: param(1)}, nil
	case model.ActionExecuteFile:
		return ExecuteFile{
			File:     param(0),
			Args:     param(1),
			Mode:     param(2),
			Username: param(3),
			Password: param(4),
		}, nil
	case model.ActionSendEmail:
		return SendEmail{Parameters: a.Parameters}, nil
	case model.ActionCheckUnitTests:
		return CheckUnitTests{Parameters: a.Parameters}, nil
	case model.ActionRunDatabaseScript:
		return RunDatabaseScript{Parameters: a.Parameters}, nil
	default:
		return nil, fmt.Errorf("unsupported deployment action %s", a.Type)
	}
}
