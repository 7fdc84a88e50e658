package pipeline

import (
	"strings"
	"time"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/gateway"
)

func nowStamp() time.Time {
	return time.Now().UTC()
}

// buildTag derives the backend tag name deterministically from the build's
// identity. Scratch builds get their own namespace so they can never
// collide with a real build of the same NSVC.
func buildTag(mb *build.ModuleBuild) string {
	prefix := "module-"
	if mb.Scratch {
		prefix = "scrmod-"
	}
	return prefix + mb.Name + "-" + mb.Stream + "-" + mb.Version + "-" + mb.Context
}

// cgTag picks the content-generator import tag. The first configured base
// module name found among the resolved dependencies wins; otherwise the
// configured default is used.
func (p *Pipeline) cgTag(deps map[string][]string) string {
	for _, baseName := range p.opts.BaseModuleNames {
		for _, metadata := range deps {
			for _, nsvc := range metadata {
				parts := strings.SplitN(nsvc, ":", 4)
				if len(parts) >= 2 && parts[0] == baseName {
					return "cg-" + baseName + "-" + parts[1]
				}
			}
		}
	}
	return "cg-" + p.opts.CGDefaultModule
}

// packageFromNVR strips the version and release fields from an NVR.
func packageFromNVR(nvr string) string {
	parts := strings.Split(nvr, "-")
	if len(parts) <= 2 {
		return nvr
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

// componentStateFromTask maps a backend task state onto the component
// bookkeeping enum.
func componentStateFromTask(ts gateway.TaskState) build.ComponentState {
	switch ts {
	case gateway.TaskClosed:
		return build.ComponentComplete
	case gateway.TaskCanceled:
		return build.ComponentCanceled
	case gateway.TaskFailed:
		return build.ComponentFailed
	case gateway.TaskFree:
		return build.ComponentFree
	default:
		return build.ComponentBuilding
	}
}
