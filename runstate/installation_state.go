package runstate

// InstallationStatus represents the lifecycle of an agent installation.
type InstallationStatus string

const (
	// InstallationInstalled indicates the binding exists but is not yet
	// receiving events.
	InstallationInstalled InstallationStatus = "installed"

	// InstallationActive indicates the installation receives dispatched
	// events.
	InstallationActive InstallationStatus = "active"

	// InstallationPaused indicates dispatch is suspended; memory is kept.
	InstallationPaused InstallationStatus = "paused"

	// InstallationUninstalled indicates the user removed the agent. Terminal.
	InstallationUninstalled InstallationStatus = "uninstalled"
)

// IsValid returns true if the status is a valid InstallationStatus value.
func (s InstallationStatus) IsValid() bool {
	switch s {
	case InstallationInstalled, InstallationActive, InstallationPaused, InstallationUninstalled:
		return true
	default:
		return false
	}
}

// ReceivesEvents returns true if installations in this status are candidates
// for event dispatch.
func (s InstallationStatus) ReceivesEvents() bool {
	return s == InstallationActive
}

// CanTransitionTo returns true if a transition from this status to the
// target status is valid. uninstalled is terminal.
func (s InstallationStatus) CanTransitionTo(target InstallationStatus) bool {
	if s == target {
		return false
	}

	switch s {
	case InstallationInstalled:
		return target == InstallationActive || target == InstallationUninstalled
	case InstallationActive:
		return target == InstallationPaused || target == InstallationUninstalled
	case InstallationPaused:
		return target == InstallationActive || target == InstallationUninstalled
	default:
		return false
	}
}

// ManifestStatus represents the catalog status of an agent manifest.
type ManifestStatus string

const (
	ManifestActive     ManifestStatus = "active"
	ManifestDeprecated ManifestStatus = "deprecated"
	ManifestArchived   ManifestStatus = "archived"
)

// IsValid returns true if the status is a valid ManifestStatus value.
func (s ManifestStatus) IsValid() bool {
	switch s {
	case ManifestActive, ManifestDeprecated, ManifestArchived:
		return true
	default:
		return false
	}
}

// Installable returns true if new installations of the manifest are allowed.
func (s ManifestStatus) Installable() bool {
	return s == ManifestActive
}
