package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"file_name": "sea.mp4",
		"score":     0.82,
	}

	data, err := j.Value()
	if err != nil {
		t.Fatalf("failed to marshal JSONB: %v", err)
	}

	if data == nil {
		t.Fatal("expected non-nil data")
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["file_name"] != "sea.mp4" {
		t.Errorf("expected file_name=sea.mp4, got %v", result["file_name"])
	}
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	if err := j.Scan([]byte(`{"file_name": "city.mp4", "width": 1920}`)); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}

	if j["file_name"] != "city.mp4" {
		t.Errorf("expected file_name=city.mp4, got %v", j["file_name"])
	}

	if j["width"].(float64) != 1920 {
		t.Errorf("expected width=1920, got %v", j["width"])
	}

	if err := j.Scan(nil); err != nil || j != nil {
		t.Errorf("expected nil JSONB after scanning NULL, got %v (err=%v)", j, err)
	}
}

func TestGenerationOptionsValidate(t *testing.T) {
	opts := GenerationOptions{}.WithDefaults(0)
	if opts.MaxCandidatesPerSearch != DefaultCandidatesPerSearch {
		t.Errorf("expected default ceiling %d, got %d", DefaultCandidatesPerSearch, opts.MaxCandidatesPerSearch)
	}
	if err := opts.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}

	for _, n := range []int{-1, 51, 100} {
		err := GenerationOptions{MaxCandidatesPerSearch: n}.Validate()
		if !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("expected ErrInvalidOptions for %d, got %v", n, err)
		}
	}
}

func TestSceneRequestDecode(t *testing.T) {
	raw := `{"scenes": [
		{"scene": 1, "subtitle": "hello", "video_file_name": "clip_a.mp4", "script": "ignored"},
		{"scene": 2, "subtitle": "sea", "script": "sunset over the sea", "search_keywords": ["x"]},
		{"scene": 3, "subtitle": "city", "search_keywords": ["city", " ", "night"], "actor_name": "nova"},
		{"scene": 4, "subtitle": "nothing"}
	]}`

	var story StoryRequest
	if err := json.Unmarshal([]byte(raw), &story); err != nil {
		t.Fatalf("failed to decode story: %v", err)
	}

	if sel, ok := story.Scenes[0].Selection.(DirectFile); !ok || sel.FileName != "clip_a.mp4" {
		t.Errorf("expected direct file selection, got %#v", story.Scenes[0].Selection)
	}
	if sel, ok := story.Scenes[1].Selection.(ScriptSearch); !ok || sel.Query != "sunset over the sea" {
		t.Errorf("expected script selection, got %#v", story.Scenes[1].Selection)
	}
	sel, ok := story.Scenes[2].Selection.(KeywordSearch)
	if !ok || sel.Query() != "city night" {
		t.Errorf("expected keyword selection 'city night', got %#v", story.Scenes[2].Selection)
	}
	if story.Scenes[2].VoiceIdentity != "nova" {
		t.Errorf("expected actor_name to map to voice, got %q", story.Scenes[2].VoiceIdentity)
	}
	if story.Scenes[3].Selection != nil {
		t.Errorf("expected no selection, got %#v", story.Scenes[3].Selection)
	}

	if err := story.Validate(JobTypeMixed); !errors.Is(err, ErrInvalidSceneSpec) {
		t.Errorf("expected ErrInvalidSceneSpec, got %v", err)
	}
}

func TestStoryRequestRoundTripKeepsSelection(t *testing.T) {
	story := StoryRequest{Scenes: []SceneRequest{
		{SceneIndex: 1, SubtitleText: "a", Selection: KeywordSearch{Keywords: []string{"forest", "rain"}}},
	}}

	data, err := json.Marshal(story)
	if err != nil {
		t.Fatalf("failed to marshal story: %v", err)
	}

	var decoded StoryRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to decode story: %v", err)
	}

	if decoded.Scenes[0].Selection.Method() != SelectionKeywordSearch {
		t.Errorf("expected keyword search after round trip, got %s", decoded.Scenes[0].Selection.Method())
	}
}

func TestStoryRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		story   *StoryRequest
		jobType JobType
		wantErr error
	}{
		{"nil story", nil, JobTypeMixed, ErrInvalidStory},
		{"empty story", &StoryRequest{}, JobTypeMixed, ErrInvalidStory},
		{"unknown type", &StoryRequest{Scenes: []SceneRequest{{SubtitleText: "a", Selection: ScriptSearch{Query: "q"}}}}, "batch", ErrInvalidStory},
		{"missing subtitle", &StoryRequest{Scenes: []SceneRequest{{Selection: ScriptSearch{Query: "q"}}}}, JobTypeMixed, ErrInvalidSceneSpec},
		{"single needs script", &StoryRequest{Scenes: []SceneRequest{{SubtitleText: "a", Selection: DirectFile{FileName: "a.mp4"}}}}, JobTypeSingle, ErrInvalidSceneSpec},
		{"valid single", &StoryRequest{Scenes: []SceneRequest{{SubtitleText: "a", Selection: ScriptSearch{Query: "q"}}}}, JobTypeSingle, nil},
		{"valid mixed", &StoryRequest{Scenes: []SceneRequest{{SubtitleText: "a", Selection: DirectFile{FileName: "a.mp4"}}}}, JobTypeMixed, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.story.Validate(tt.jobType)
			if tt.wantErr == nil && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestJobStatus(t *testing.T) {
	for _, status := range AllJobStatuses {
		if status == "" {
			t.Errorf("empty status found")
		}
		if !status.Valid() {
			t.Errorf("expected %s to be valid", status)
		}
	}
	if JobStatus("queued").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}
