// Package models defines the data shared by the migrator, its helper and the
// wire protocol between them.
package models

// HandlerKind selects the vendor handler variant used for a vendor.
type HandlerKind string

const (
	// HandlerGeneric removes profiles through registered commands and a sweep.
	HandlerGeneric HandlerKind = "generic"
	// HandlerAgent is used for binary/agent driven vendors such as Jamf.
	HandlerAgent HandlerKind = "agent"
	// HandlerHub is used for vendors whose GUI agent must unenroll first.
	HandlerHub HandlerKind = "hub"
	// HandlerTarget is used when the source is the target vendor itself.
	HandlerTarget HandlerKind = "target"
)

const (
	// VendorNone is the identifier of the "no MDM found" sentinel.
	VendorNone = "none"
	// VendorUnknown is the identifier reported for enrolled-but-unidentified devices.
	VendorUnknown = "unknown_mdm"
)

// RemovalCommand is one step of a vendor's declarative removal script.
type RemovalCommand struct {
	Path           string   `yaml:"path" json:"path"`
	Args           []string `yaml:"args" json:"args"`
	Description    string   `yaml:"description" json:"description"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// VendorDefinition describes a known MDM product. Definitions are immutable
// once registered; re-registering the same identifier replaces the whole value.
type VendorDefinition struct {
	Identifier          string           `yaml:"id" json:"id"`
	DisplayName         string           `yaml:"name" json:"name"`
	ManagementType      string           `yaml:"management_type" json:"management_type"`
	ProfilePatterns     []string         `yaml:"profile_patterns" json:"profile_patterns"`
	AgentPaths          []string         `yaml:"agent_paths" json:"agent_paths"`
	CertificatePatterns []string         `yaml:"certificate_patterns" json:"certificate_patterns"`
	RemovalCommands     []RemovalCommand `yaml:"removal_commands" json:"removal_commands"`
	UnenrollCommand     *RemovalCommand  `yaml:"unenroll_command" json:"unenroll_command,omitempty"`
	BackupPaths         []string         `yaml:"backup_paths" json:"backup_paths"`
	LaunchdLabels       []string         `yaml:"launchd_labels" json:"launchd_labels"`
	ProcessNames        []string         `yaml:"process_names" json:"process_names"`
	Handler             HandlerKind      `yaml:"handler" json:"handler"`
	RequiresPortal      bool             `yaml:"requires_portal" json:"requires_portal"`
	MultiTenant         bool             `yaml:"multi_tenant" json:"multi_tenant"`
	DetectionPriority   int              `yaml:"detection_priority" json:"detection_priority"`
}

// VendorInfo is the result of a detection call. It is a value type and is
// never mutated after construction.
type VendorInfo struct {
	Identifier         string   `json:"id"`
	DisplayName        string   `json:"name"`
	Version            string   `json:"version,omitempty"`
	ManagementType     string   `json:"management_type"`
	ProfileIdentifiers []string `json:"profile_identifiers,omitempty"`
	IsTargetCompatible bool     `json:"is_target_compatible"`
}

// IsNone reports whether the info is the "no MDM found" sentinel.
func (v VendorInfo) IsNone() bool {
	return v.Identifier == "" || v.Identifier == VendorNone
}

// IsUnknown reports whether the device is enrolled but the vendor is unidentified.
func (v VendorInfo) IsUnknown() bool {
	return v.Identifier == VendorUnknown
}

// NoneVendor returns the sentinel reported when no MDM evidence exists.
func NoneVendor() VendorInfo {
	return VendorInfo{
		Identifier:     VendorNone,
		DisplayName:    "None",
		ManagementType: "none",
	}
}

// UnknownVendor returns the sentinel reported for an unidentified MDM.
func UnknownVendor(profileIDs []string) VendorInfo {
	return VendorInfo{
		Identifier:         VendorUnknown,
		DisplayName:        "Unknown MDM",
		ManagementType:     "unknown",
		ProfileIdentifiers: append([]string(nil), profileIDs...),
	}
}

// InfoFromDefinition builds a VendorInfo for a registered definition.
func InfoFromDefinition(def VendorDefinition, profileIDs []string, targetID string) VendorInfo {
	return VendorInfo{
		Identifier:         def.Identifier,
		DisplayName:        def.DisplayName,
		ManagementType:     def.ManagementType,
		ProfileIdentifiers: append([]string(nil), profileIDs...),
		IsTargetCompatible: def.Identifier == targetID,
	}
}
