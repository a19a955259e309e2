// Package script drives synthetic measurements from a Lua script.
//
// The script defines a global function
//
//	function measure(profile, tick)
//	    return 36.5 + math.sin(tick / 10)
//	end
//
// receiving the profile name and a monotonically increasing tick, and
// returning the profile's values in wire order (one to three numbers).
package script

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/profile"
)

// MeasureFunction is the global the script must define.
const MeasureFunction = "measure"

const maxResults = 3

// Error reports a script that failed to load or run.
type Error struct {
	Phase   string // "load", "call", "result"
	Source  string
	Message string
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("lua %s error in %s: %s", e.Phase, e.Source, e.Message)
	}
	return fmt.Sprintf("lua %s error: %s", e.Phase, e.Message)
}

// Source evaluates measure() on a private Lua state. Safe for concurrent use.
type Source struct {
	mu     sync.Mutex
	state  *lua.State
	name   string
	logger *logrus.Logger
}

// LoadFile reads and loads a script from disk.
func LoadFile(path string, logger *logrus.Logger) (*Source, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return Load(string(content), path, logger)
}

// Load compiles code, runs its top level and checks that measure() exists.
func Load(code, name string, logger *logrus.Logger) (*Source, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if strings.TrimSpace(code) == "" {
		return nil, &Error{Phase: "load", Source: name, Message: "empty script"}
	}

	L := lua.NewState()
	L.OpenLibs()
	s := &Source{state: L, name: name, logger: logger}
	s.registerLog()

	if err := L.DoString(code); err != nil {
		msg := err.Error()
		if L.GetTop() > 0 && L.IsString(-1) {
			msg = L.ToString(-1)
		}
		L.Close()
		return nil, &Error{Phase: "load", Source: name, Message: msg}
	}
	L.SetTop(0)

	L.GetGlobal(MeasureFunction)
	isFn := L.IsFunction(-1)
	L.Pop(1)
	if !isFn {
		L.Close()
		return nil, &Error{Phase: "load", Source: name, Message: "function " + MeasureFunction + " not defined"}
	}

	logger.WithField("script", name).Debug("Lua measurement script loaded")
	return s, nil
}

// registerLog exposes log(...) to the script, routed to the logger at debug
// level.
func (s *Source) registerLog() {
	s.state.Register("log", func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			default:
				parts = append(parts, L.Typename(int(L.Type(i))))
			}
		}
		s.logger.WithField("script", s.name).Debug(strings.Join(parts, "\t"))
		return 0
	})
}

// Values calls measure(profile, tick) and returns the numbers it yields, in
// order, stopping at the first non-number.
func (s *Source) Values(p profile.Profile, tick uint64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return nil, &Error{Phase: "call", Source: s.name, Message: "script closed"}
	}
	L := s.state
	defer L.SetTop(0)

	L.GetGlobal(MeasureFunction)
	L.PushString(p.String())
	L.PushInteger(int64(tick))
	if err := L.Call(2, maxResults); err != nil {
		return nil, &Error{Phase: "call", Source: s.name, Message: err.Error()}
	}

	values := make([]float64, 0, maxResults)
	for i := -maxResults; i < 0; i++ {
		if !L.IsNumber(i) {
			break
		}
		values = append(values, L.ToNumber(i))
	}
	if len(values) == 0 {
		return nil, &Error{Phase: "result", Source: s.name, Message: MeasureFunction + " returned no numbers"}
	}
	return values, nil
}

// Next evaluates the script and builds the measurement for p.
func (s *Source) Next(p profile.Profile, tick uint64) (codec.Measurement, error) {
	values, err := s.Values(p, tick)
	if err != nil {
		return nil, err
	}
	if n := codec.Arity(p); len(values) > n {
		values = values[:n]
	}
	return codec.FromValues(p, values...)
}

// Close releases the Lua state. Idempotent.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		s.state.Close()
		s.state = nil
	}
}
