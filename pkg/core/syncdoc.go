package core

// SyncSchemaVersion is written into every metadata document we publish.
const SyncSchemaVersion = 1

// MetadataFilename is the remote name of the shared metadata document.
const MetadataFilename = "fieldmap-metadata.json"

// OverlayMeta is the remote description of one overlay's display state.
type OverlayMeta struct {
	ID           string  `json:"id"`
	Filename     string  `json:"filename"`
	Opacity      float64 `json:"opacity"`
	Visible      bool    `json:"visible"`
	GroupID      string  `json:"groupId"`
	RemoteFileID string  `json:"driveFileId,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// SyncMetadata is the cross-device document mapping overlay binaries to display state.
type SyncMetadata struct {
	SchemaVersion  int            `json:"version"`
	Overlays       []OverlayMeta  `json:"overlays"`
	Groups         []OverlayGroup `json:"groups"`
	LastSyncMillis int64          `json:"lastSync"`
}

// OverlayByFilename finds the metadata record for a remote filename.
func (m *SyncMetadata) OverlayByFilename(filename string) (OverlayMeta, bool) {
	if m == nil {
		return OverlayMeta{}, false
	}
	for _, o := range m.Overlays {
		if o.Filename == filename {
			return o, true
		}
	}
	return OverlayMeta{}, false
}

// HasGroups reports whether the document carries any non-default group.
func (m *SyncMetadata) HasGroups() bool {
	if m == nil {
		return false
	}
	for _, g := range m.Groups {
		if !g.IsDefault() {
			return true
		}
	}
	return false
}
