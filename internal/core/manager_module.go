package core

import (
	"context"
	"fmt"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/sdk"
)

// ManagerModuleName is the bridge name of the runtime's own module.
const ManagerModuleName = "core_manager"

// ManagerModule exposes a Runtime over the bridge.
type ManagerModule struct {
	rt *Runtime
}

var _ sdk.Module = (*ManagerModule)(nil)

// NewManagerModule creates the core_manager module for rt.
func NewManagerModule(rt *Runtime) *ManagerModule {
	return &ManagerModule{rt: rt}
}

// Methods implements sdk.Module.
func (m *ManagerModule) Methods() []sdk.Method {
	return []sdk.Method{
		{Name: "loadPlugin", Params: []string{"name"}, Returns: "bool"},
		{Name: "unloadPlugin", Params: []string{"name"}, Returns: "bool"},
		{Name: "getKnownPlugins", Returns: "[]string"},
		{Name: "getLoadedPlugins", Returns: "[]string"},
		{Name: "getModuleStats", Returns: "[]stats"},
		{Name: "getPluginMethods", Params: []string{"name"}, Returns: "[]method"},
		{Name: "getPluginInfo", Params: []string{"name"}, Returns: "info"},
	}
}

// Call implements sdk.Module.
func (m *ManagerModule) Call(ctx context.Context, method string, args []any) (any, error) {
	switch method {
	case "loadPlugin":
		name, err := stringArg(args, 0, "name")
		if err != nil {
			return false, err
		}
		if err := m.rt.LoadPlugin(ctx, name); err != nil {
			return false, err
		}
		return true, nil

	case "unloadPlugin":
		name, err := stringArg(args, 0, "name")
		if err != nil {
			return false, err
		}
		if err := m.rt.UnloadPlugin(ctx, name); err != nil {
			return false, err
		}
		return true, nil

	case "getKnownPlugins":
		return m.rt.GetKnownPlugins(), nil

	case "getLoadedPlugins":
		return m.rt.GetLoadedPlugins(), nil

	case "getModuleStats":
		return m.rt.GetModuleStats(), nil

	case "getPluginMethods":
		name, err := stringArg(args, 0, "name")
		if err != nil {
			return nil, err
		}
		return m.rt.Methods(ctx, name)

	case "getPluginInfo":
		name, err := stringArg(args, 0, "name")
		if err != nil {
			return nil, err
		}
		if info, ok := m.rt.Info(name); ok {
			return info, nil
		}
		manifest, err := m.rt.Store().Lookup(name)
		if err != nil {
			return nil, err
		}
		return ModuleInfo{
			Name:    name,
			Status:  plugin.StateUnknown.String(),
			Version: manifest.Version,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s.%s", bridge.ErrMethodNotFound, ManagerModuleName, method)
	}
}
