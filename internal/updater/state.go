package updater

// State is the update workflow state. It changes only on the consumer.
type State int

const (
	Idle State = iota
	Checking
	PromptingUser
	Downloading
	AppliedSuccessfully
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case PromptingUser:
		return "prompting"
	case Downloading:
		return "downloading"
	case AppliedSuccessfully:
		return "applied"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// busy reports whether a new check must be refused in s.
func (s State) busy() bool {
	return s == PromptingUser || s == Downloading
}
