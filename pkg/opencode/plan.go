package opencode

import (
	"errors"
	"fmt"
	"strings"

	"agent-runtime/pkg/task"
)

// Agent names shipped in the prompts directory.
const (
	AgentPlanner   = "playwright-test-planner"
	AgentGenerator = "playwright-test-generator"
	AgentFixer     = "playwright-test-fixer"
)

// DefaultCustomAgent runs free-form instructions.
const DefaultCustomAgent = "build"

// Step is one agent invocation within a task.
type Step struct {
	Agent        string
	Instructions string
	Secrets      []string
}

// PlanFor returns the ordered agent steps for a task. customAgent is used
// for custom tasks; empty means DefaultCustomAgent.
func PlanFor(t task.Task, customAgent string) ([]Step, error) {
	var agents []string
	switch t.Type {
	case task.TypeComplete:
		agents = []string{AgentPlanner, AgentGenerator, AgentFixer}
	case task.TypePlan:
		agents = []string{AgentPlanner}
	case task.TypeGenerate:
		agents = []string{AgentGenerator}
	case task.TypeRun, task.TypeFix:
		agents = []string{AgentFixer}
	case task.TypeCustom:
		if strings.TrimSpace(t.Configuration.Instructions) == "" {
			return nil, errors.New("custom task requires instructions")
		}
		if customAgent == "" {
			customAgent = DefaultCustomAgent
		}
		agents = []string{customAgent}
	default:
		return nil, fmt.Errorf("unknown task type: %s", t.Type)
	}

	signIn, secrets := signInSentence(t.Configuration.SignIn)
	steps := make([]Step, 0, len(agents))
	for i, agent := range agents {
		var text string
		if t.Type == task.TypeCustom {
			text = strings.TrimSpace(t.Configuration.Instructions)
		} else {
			text = instructionsFor(t.Type, agent, t.Configuration.TargetURL, i > 0)
			if extra := strings.TrimSpace(t.Configuration.Instructions); extra != "" {
				text = extra + " " + text
			}
		}
		if signIn != "" {
			text += " " + signIn
		}
		steps = append(steps, Step{Agent: agent, Instructions: text, Secrets: secrets})
	}
	return steps, nil
}

// instructionsFor returns the built-in instruction text. continued is true
// when an earlier step of the same task already ran in this session.
func instructionsFor(typ task.Type, agent, targetURL string, continued bool) string {
	switch agent {
	case AgentPlanner:
		return fmt.Sprintf("create a test plan for '%s'. Save the test plan as `specs/test-plan.md`.", targetURL)
	case AgentGenerator:
		if continued {
			return fmt.Sprintf("based on the test plan I created, generate comprehensive test source code into `tests/` folder for '%s'.", targetURL)
		}
		return "for each scenario in the generated test plan, perform the scenario and generate the test source code into `tests/` folder."
	case AgentFixer:
		if typ == task.TypeRun {
			return "run tests under `tests/` one by one and make all the tests either pass or marked as failing."
		}
		if continued {
			return "based on the tests I generated, debug and fix any failing tests under `tests/` until they pass."
		}
		return "debug and fix failing tests under `tests/` one by one until they pass."
	}
	return ""
}

func signInSentence(s *task.SignIn) (string, []string) {
	if s == nil || s.Method != task.SignInUsernamePassword {
		return "", nil
	}
	return fmt.Sprintf("The application requires sign-in: use username '%s' and password '%s'.", s.Username, s.Password),
		[]string{s.Password}
}
