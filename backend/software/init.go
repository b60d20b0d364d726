package software

import (
	"github.com/gogpu/gpustream"
	"github.com/gogpu/gpustream/backend"
)

// init registers the software engine on package import.
func init() {
	backend.Register(backend.EngineSoftware, func() (gpustream.Engine, error) {
		return New(), nil
	})
}
