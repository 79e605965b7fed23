//go:build !no_automation

package automation

import (
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tuya-meter-gateway/internal/session"
)

// registerMeterModule registers the `meter` global table in a Lua state.
func registerMeterModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return meterOn(L, vm)
	}))
	mod.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		return meterRead(L, e)
	}))
	mod.RawSetString("attributes", L.NewFunction(func(L *lua.LState) int {
		return meterAttributes(L, e)
	}))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return meterDevices(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return meterAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if vm.logf != nil {
			vm.logf(msg)
		}
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	L.SetGlobal("meter", mod)
}

const maxHandlersPerScript = 100

// meter.on(type, filter, callback)
//
// filter may name a device ID and a slot:
//
//	meter.on("attribute_update", {device = "meter-1", slot = "power"}, function(ev) ... end)
func meterOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}
	if v := filterTable.RawGetString("device"); v != lua.LNil {
		h.device = v.String()
	}
	if v := filterTable.RawGetString("slot"); v != lua.LNil {
		h.slot = v.String()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// meter.read(device, slot) returns the current value or nil when unset.
func meterRead(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	slot := L.CheckString(2)

	sess := e.resolveSession(target)
	if sess == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := sess.Read(slot)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(v.Value))
	return 1
}

// meter.attributes(device) returns a slot -> value table, or nil when the
// device has no session.
func meterAttributes(L *lua.LState, e *Engine) int {
	sess := e.resolveSession(L.CheckString(1))
	if sess == nil {
		L.Push(lua.LNil)
		return 1
	}
	tbl := L.NewTable()
	for slot, v := range sess.Attributes().Snapshot() {
		tbl.RawSetString(slot, lua.LNumber(v.Value))
	}
	L.Push(tbl)
	return 1
}

// meter.devices() returns a list of registered devices.
func meterDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.sessions.Devices().ListDevices()
	if err != nil {
		e.logger.Warn("list devices for script", "err", err)
		L.Push(tbl)
		return 1
	}

	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID))
		d.RawSetString("name", lua.LString(dev.DisplayName()))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		d.RawSetString("model", lua.LString(dev.Model))
		_, online := e.sessions.Get(dev.ID)
		d.RawSetString("online", lua.LBool(online))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// meter.after(seconds, callback) runs callback on the script VM later.
func meterAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// resolveSession finds an open session by device ID or friendly name.
func (e *Engine) resolveSession(target string) *session.Session {
	if target == "" {
		return nil
	}
	if sess, ok := e.sessions.Get(target); ok {
		return sess
	}

	devices, err := e.sessions.Devices().ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if dev.FriendlyName != "" && strings.EqualFold(dev.FriendlyName, target) {
			if sess, ok := e.sessions.Get(dev.ID); ok {
				return sess
			}
		}
	}
	return nil
}
