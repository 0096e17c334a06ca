// Package shadermgr compiles shader source and holds the resulting backend
// shader modules.
//
// The frontend translator lowers application GLSL to WGSL before the
// compile command reaches the scheduler; this package finishes the job by
// translating WGSL to SPIR-V with naga and creating the backend module.
package shadermgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/glbridge/command"
)

// Shader store errors.
var (
	// ErrNilDevice is returned when creating a store without a device.
	ErrNilDevice = errors.New("shadermgr: device is nil")

	// ErrEmptySource is returned when compiling an empty source string.
	ErrEmptySource = errors.New("shadermgr: empty shader source")

	// ErrUnknownShader is returned when looking up an id that has never
	// been compiled.
	ErrUnknownShader = errors.New("shadermgr: unknown shader object")
)

// Store compiles and retains shader modules keyed by frontend shader id.
//
// Compile runs on the scheduler thread; Module may be called from the node
// executor, so the map is mutex-guarded.
type Store struct {
	mu      sync.Mutex
	device  hal.Device
	log     *slog.Logger
	modules map[command.ObjectID]hal.ShaderModule
}

// New creates a Store creating modules on device. A nil logger disables
// logging.
func New(device hal.Device, log *slog.Logger) (*Store, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if log == nil {
		log = slog.New(nopHandler{})
	}
	return &Store{
		device:  device,
		log:     log,
		modules: make(map[command.ObjectID]hal.ShaderModule),
	}, nil
}

// Compile translates WGSL source to SPIR-V and installs the resulting
// module under id, destroying any module previously compiled for it.
func (s *Store) Compile(id command.ObjectID, wgsl string) error {
	if wgsl == "" {
		return ErrEmptySource
	}

	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return fmt.Errorf("shadermgr: translation failed for shader %d: %w", id, err)
	}

	// SPIR-V is little-endian 32-bit words.
	spirvCode := make([]uint32, len(spirvBytes)/4)
	for i := range spirvCode {
		spirvCode[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	module, err := s.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: fmt.Sprintf("glbridge-shader-%d", id),
		Source: hal.ShaderSource{
			SPIRV: spirvCode,
		},
	})
	if err != nil {
		return fmt.Errorf("shadermgr: module creation failed for shader %d: %w", id, err)
	}

	s.mu.Lock()
	if old, ok := s.modules[id]; ok {
		s.device.DestroyShaderModule(old)
	}
	s.modules[id] = module
	s.mu.Unlock()

	s.log.Debug("shader compiled",
		slog.Uint64("id", uint64(id)),
		slog.Int("words", len(spirvCode)))
	return nil
}

// Module returns the compiled module for id.
func (s *Store) Module(id command.ObjectID) (hal.ShaderModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	module, ok := s.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrUnknownShader, id)
	}
	return module, nil
}

// Destroy tears down every retained module.
func (s *Store) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, module := range s.modules {
		s.device.DestroyShaderModule(module)
		delete(s.modules, id)
	}
}

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
