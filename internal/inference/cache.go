package inference

import (
	"errors"
	"os"

	"github.com/samcharles93/lmhost/internal/llm"
	"github.com/samcharles93/lmhost/internal/logger"
)

// Cache is the session cache: a token prefix persisted together with the
// model state so a known prompt can be resumed without re-decoding it.
// Failures to read or write the file are logged and never fatal.
type Cache struct {
	path     string
	readOnly bool
	all      bool
	log      logger.Logger

	tokens   []int
	consumed int
	needSave bool
}

// OpenCache loads the session file at path into m. A missing or empty file
// starts a new session; an unreadable one is logged and ignored.
func OpenCache(m llm.Model, path string, readOnly, saveAll bool, log logger.Logger) *Cache {
	c := &Cache{path: path, readOnly: readOnly, all: saveAll, log: log}
	if path == "" {
		return c
	}
	log.Info("attempting to load saved session", "path", path)
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("session file does not exist, will create")
		return c
	case err != nil:
		log.Warn("failed to stat session file, starting a new session", "path", path, "error", err)
		return c
	case fi.Size() == 0:
		log.Info("the session file is empty, a new session will be initialized")
		return c
	}
	toks, err := m.LoadState(path, m.NCtx())
	if err != nil {
		log.Error("failed to load session file, starting a new session", "path", path, "error", err)
		m.KV().RemoveRange(0, -1)
		return c
	}
	c.tokens = toks
	log.Info("loaded a session", "prompt_tokens", len(toks))
	return c
}

// Enabled reports whether the cache still tracks and persists tokens.
func (c *Cache) Enabled() bool { return c.path != "" }

func (c *Cache) Path() string { return c.path }

// Tokens returns the cached token prefix.
func (c *Cache) Tokens() []int { return c.tokens }

// Match compares the cached prefix with the tokenized prompt, drops state
// past the common prefix and reports the number of matching tokens. When the
// whole prompt is cached but the cache holds more, the last prompt token is
// re-decoded so its logits are recomputed.
func (c *Cache) Match(inp []int, promptEmpty bool, kv llm.KVCache) int {
	n := 0
	if len(c.tokens) > 0 {
		for _, id := range c.tokens {
			if n >= len(inp) || id != inp[n] {
				break
			}
			n++
		}
		switch {
		case promptEmpty && n == len(inp):
			c.log.Info("using full prompt from session file")
		case n >= len(inp):
			c.log.Info("session file has exact match for prompt")
		case n < len(inp)/2:
			c.log.Warn("session file has low similarity to prompt, will mostly be reevaluated", "matching", n, "prompt_tokens", len(inp))
		default:
			c.log.Info("session file matches prompt", "matching", n, "prompt_tokens", len(inp))
		}
	}

	keep := n
	if len(inp) > 0 && n == len(inp) && len(c.tokens) > len(inp) {
		c.log.Debug("recalculate the cached logits", "resize", len(inp)-1)
		c.tokens = c.tokens[:len(inp)-1]
		keep = len(c.tokens)
	}
	if len(c.tokens) > 0 {
		kv.RemoveRange(keep, -1)
	}
	c.needSave = c.path != "" && n < len(inp)
	return n
}

// Reuse skips the leading tokens of a pending batch that are already in the
// cache and returns the remainder. The cache is truncated at the first
// mismatch.
func (c *Cache) Reuse(embd []int) ([]int, int) {
	if c.consumed >= len(c.tokens) {
		return embd, 0
	}
	i := 0
	for ; i < len(embd); i++ {
		if embd[i] != c.tokens[c.consumed] {
			c.tokens = c.tokens[:c.consumed]
			break
		}
		c.consumed++
		if c.consumed >= len(c.tokens) {
			i++
			break
		}
	}
	return embd[i:], i
}

// Append records decoded tokens while the cache is enabled.
func (c *Cache) Append(embd []int) {
	if len(embd) == 0 || c.path == "" {
		return
	}
	c.tokens = append(c.tokens, embd...)
	c.consumed = len(c.tokens)
}

// SaveFirst persists the prompt once, before the first token is sampled.
func (c *Cache) SaveFirst(m llm.Model) {
	if c.path == "" || !c.needSave || c.readOnly {
		return
	}
	c.needSave = false
	c.save(m)
}

// SaveFinal persists everything decoded when saving all output was asked for.
func (c *Cache) SaveFinal(m llm.Model) {
	if c.path == "" || !c.all || c.readOnly {
		return
	}
	c.log.Info("saving final output to session file", "path", c.path)
	c.save(m)
}

// Disable stops tracking after the window was shifted; the cached prefix no
// longer describes the model state.
func (c *Cache) Disable() {
	if c.path != "" {
		c.log.Debug("clear session path")
	}
	c.path = ""
}

func (c *Cache) save(m llm.Model) {
	n, err := m.SaveState(c.path, c.tokens)
	if err != nil {
		c.log.Warn("failed to save session file", "path", c.path, "error", err)
		return
	}
	c.log.Debug("saved session", "path", c.path, "tokens", len(c.tokens), "bytes", n)
}
