package scheduler

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/inference"
	"github.com/samcharles93/lmhost/internal/version"
)

// Settings are the generation defaults reported by Props.
type Settings struct {
	NCtx          int      `json:"n_ctx"`
	NPredict      int      `json:"n_predict"`
	NKeep         int      `json:"n_keep"`
	Seed          int64    `json:"seed"`
	Temperature   float32  `json:"temperature"`
	TopK          int      `json:"top_k"`
	TopP          float32  `json:"top_p"`
	MinP          float32  `json:"min_p"`
	RepeatPenalty float32  `json:"repeat_penalty"`
	RepeatLastN   int      `json:"repeat_last_n"`
	Stop          []string `json:"stop"`
	Samplers      string   `json:"samplers"`
}

// Props is the properties report of the running session.
type Props struct {
	DefaultGenerationSettings Settings     `json:"default_generation_settings"`
	TotalSlots                int          `json:"total_slots"`
	ModelPath                 string       `json:"model_path"`
	Model                     string       `json:"model"`
	ChatTemplate              string       `json:"chat_template"`
	Conversation              bool         `json:"conversation"`
	Policy                    string       `json:"eviction_policy"`
	Build                     version.Info `json:"build_info"`
}

// Slot describes the single generation slot.
type Slot struct {
	ID           int              `json:"id"`
	Slot         string           `json:"slot_id"`
	NCtx         int              `json:"n_ctx"`
	State        string           `json:"state"`
	IsProcessing bool             `json:"is_processing"`
	NPast        int              `json:"n_past"`
	NRemain      int              `json:"n_remain"`
	NPromptTok   int              `json:"n_prompt_tokens"`
	NCached      int              `json:"n_cache_tokens"`
	Messages     int              `json:"n_messages"`
	Stats        inference.Stats  `json:"stats"`
	Params       config.Endpoints `json:"endpoints"`
}

// CommonParams returns the introspection flags of the running session.
func (s *Scheduler) CommonParams() (config.Endpoints, error) {
	sess, err := s.active()
	if err != nil {
		return config.Endpoints{}, err
	}
	return sess.Info().Endpoints, nil
}

// Info returns the description of the running session.
func (s *Scheduler) Info() (inference.Info, error) {
	sess, err := s.active()
	if err != nil {
		return inference.Info{}, err
	}
	return sess.Info(), nil
}

func (s *Scheduler) PropsReport() (Props, error) {
	sess, err := s.active()
	if err != nil {
		return Props{}, err
	}
	info := sess.Info()
	cfg := info.Sampler
	stop := info.Antiprompt
	if stop == nil {
		stop = []string{}
	}
	return Props{
		DefaultGenerationSettings: Settings{
			NCtx:          info.NCtx,
			NPredict:      info.NPredict,
			NKeep:         info.NKeep,
			Seed:          cfg.Seed,
			Temperature:   cfg.Temperature,
			TopK:          cfg.TopK,
			TopP:          cfg.TopP,
			MinP:          cfg.MinP,
			RepeatPenalty: cfg.RepeatPenalty,
			RepeatLastN:   cfg.RepeatLastN,
			Stop:          stop,
			Samplers:      info.SamplerChain,
		},
		TotalSlots:   1,
		ModelPath:    info.ModelPath,
		Model:        info.Description,
		ChatTemplate: info.ChatTemplate,
		Conversation: info.Conversation,
		Policy:       info.Policy,
		Build:        version.Resolve(),
	}, nil
}

// Props renders PropsReport as JSON.
func (s *Scheduler) Props() ([]byte, error) {
	p, err := s.PropsReport()
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func (s *Scheduler) SlotsReport() ([]Slot, error) {
	s.mu.Lock()
	sess, slot := s.sess, s.slot
	s.mu.Unlock()
	if sess == nil {
		return nil, ErrNotRunning
	}
	snap := sess.Snapshot()
	return []Slot{{
		ID:           snap.ID,
		Slot:         slot,
		NCtx:         snap.NCtx,
		State:        snap.State,
		IsProcessing: snap.IsProcessing,
		NPast:        snap.NPast,
		NRemain:      snap.NRemain,
		NPromptTok:   snap.NInput,
		NCached:      snap.NCached,
		Messages:     snap.History,
		Stats:        snap.Stats,
		Params:       sess.Info().Endpoints,
	}}, nil
}

// Slots renders SlotsReport as a JSON array.
func (s *Scheduler) Slots() ([]byte, error) {
	slots, err := s.SlotsReport()
	if err != nil {
		return nil, err
	}
	return json.Marshal(slots)
}

// active returns the running session, including one whose loop has failed:
// reports stay available until Stop.
func (s *Scheduler) active() (*inference.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, ErrNotRunning
	}
	return s.sess, nil
}
