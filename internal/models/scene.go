package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Selection is how a scene picks its backing asset. Exactly one variant is set per scene.
type Selection interface {
	Method() SelectionMethod
	isSelection()
}

// DirectFile names an asset explicitly and skips search.
type DirectFile struct {
	FileName string
}

// ScriptSearch runs a similarity search with the scene's script.
type ScriptSearch struct {
	Query string
}

// KeywordSearch runs a similarity search with the keywords joined by spaces.
type KeywordSearch struct {
	Keywords []string
}

func (DirectFile) Method() SelectionMethod    { return SelectionDirectFile }
func (ScriptSearch) Method() SelectionMethod  { return SelectionScriptSearch }
func (KeywordSearch) Method() SelectionMethod { return SelectionKeywordSearch }

func (DirectFile) isSelection()    {}
func (ScriptSearch) isSelection()  {}
func (KeywordSearch) isSelection() {}

// Query joins the non-blank keywords with single spaces.
func (k KeywordSearch) Query() string {
	parts := make([]string, 0, len(k.Keywords))
	for _, kw := range k.Keywords {
		if s := strings.TrimSpace(kw); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// SceneRequest is one narrative beat. SceneIndex is caller-assigned and not unique.
type SceneRequest struct {
	SceneIndex    int
	SubtitleText  string
	Selection     Selection // nil when the caller populated no selection field
	VoiceIdentity string    // empty means the synthesizer default
}

type StoryRequest struct {
	Scenes []SceneRequest `json:"scenes"`
}

// sceneWire is the flexible JSON shape accepted from callers.
type sceneWire struct {
	Scene          int      `json:"scene"`
	Subtitle       string   `json:"subtitle"`
	VideoFileName  string   `json:"video_file_name,omitempty"`
	Script         string   `json:"script,omitempty"`
	SearchKeywords []string `json:"search_keywords,omitempty"`
	Voice          string   `json:"voice,omitempty"`
	ActorName      string   `json:"actor_name,omitempty"`
}

// UnmarshalJSON collapses the optional wire fields into one Selection.
// When several are populated the file name wins, then the script, then the keywords.
func (s *SceneRequest) UnmarshalJSON(data []byte) error {
	var w sceneWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	s.SceneIndex = w.Scene
	s.SubtitleText = w.Subtitle
	s.VoiceIdentity = w.Voice
	if s.VoiceIdentity == "" {
		s.VoiceIdentity = w.ActorName
	}
	s.Selection = selectionFromWire(w)
	return nil
}

func selectionFromWire(w sceneWire) Selection {
	if name := strings.TrimSpace(w.VideoFileName); name != "" {
		return DirectFile{FileName: name}
	}
	if q := strings.TrimSpace(w.Script); q != "" {
		return ScriptSearch{Query: q}
	}
	kw := KeywordSearch{Keywords: w.SearchKeywords}
	if kw.Query() != "" {
		return kw
	}
	return nil
}

func (s SceneRequest) MarshalJSON() ([]byte, error) {
	w := sceneWire{
		Scene:    s.SceneIndex,
		Subtitle: s.SubtitleText,
		Voice:    s.VoiceIdentity,
	}
	switch sel := s.Selection.(type) {
	case DirectFile:
		w.VideoFileName = sel.FileName
	case ScriptSearch:
		w.Script = sel.Query
	case KeywordSearch:
		w.SearchKeywords = sel.Keywords
	}
	return json.Marshal(w)
}

// Validate checks the story shape before any work is queued.
func (r *StoryRequest) Validate(jobType JobType) error {
	if r == nil || len(r.Scenes) == 0 {
		return fmt.Errorf("%w: story has no scenes", ErrInvalidStory)
	}
	if !jobType.Valid() {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidStory, jobType)
	}

	for i, scene := range r.Scenes {
		label := scene.SceneIndex
		if label == 0 {
			label = i + 1
		}
		if strings.TrimSpace(scene.SubtitleText) == "" {
			return fmt.Errorf("%w: scene %d: subtitle is required", ErrInvalidSceneSpec, label)
		}
		if scene.Selection == nil {
			return fmt.Errorf("%w: scene %d: one of video_file_name, script or search_keywords is required", ErrInvalidSceneSpec, label)
		}
		if jobType == JobTypeSingle && scene.Selection.Method() != SelectionScriptSearch {
			return fmt.Errorf("%w: scene %d: single jobs require a script", ErrInvalidSceneSpec, label)
		}
	}

	return nil
}

// Normalize assigns 1-based scene indexes to scenes that arrived without one.
func (r *StoryRequest) Normalize() {
	for i := range r.Scenes {
		if r.Scenes[i].SceneIndex == 0 {
			r.Scenes[i].SceneIndex = i + 1
		}
	}
}
