package fsm

// Stage is one phase of the install workflow.
type Stage int

const (
	StageWelcome Stage = iota
	StageCheckingPrerequisite
	StageDownloadingPrerequisite
	StageInstallingPrerequisite
	StageDownloadingApp
	StageExtractingApp
	StageCompleted
	StageError
)

// String returns the stage name. The names double as workflow state names.
func (s Stage) String() string {
	switch s {
	case StageWelcome:
		return "welcome"
	case StageCheckingPrerequisite:
		return "checking_prerequisite"
	case StageDownloadingPrerequisite:
		return "downloading_prerequisite"
	case StageInstallingPrerequisite:
		return "installing_prerequisite"
	case StageDownloadingApp:
		return "downloading_app"
	case StageExtractingApp:
		return "extracting_app"
	case StageCompleted:
		return "completed"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further stage follows s within a run.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// prerequisite reports whether s only runs when the prerequisite is missing.
func (s Stage) prerequisite() bool {
	return s == StageDownloadingPrerequisite || s == StageInstallingPrerequisite
}

// InstallRequest is the workflow input
type InstallRequest struct {
	SessionID   string
	InstallPath string
}

// InstallResponse is the workflow output (accumulated across transitions)
type InstallResponse struct {
	// From CheckingPrerequisite
	PrerequisitePresent bool
	PrerequisiteURL     string

	// From DownloadingPrerequisite
	PrerequisitePath string

	// From InstallingPrerequisite
	ExitCode              int
	HasExitCode           bool
	PrerequisiteInstalled bool

	// From DownloadingApp
	ArchivePath   string
	ArchiveSHA256 string
	ArchiveSize   int64

	// From ExtractingApp
	ExtractedPath string
	Files         int
	Shortcuts     []string
}
