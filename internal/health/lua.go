package health

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	glua "github.com/yuin/gopher-lua"

	"github.com/convergd/convergd/internal/cluster"
)

// LoadDir registers a Lua check per *.lua file in dir. Each script sets
// a global `kind` and defines `check(obj)` returning a table with
// `status` (Ready, Progressing, Failed or Unknown) and an optional
// `reason`. Scripted checks override builtins for the same kind.
func (e *Evaluator) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read checks dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		check, kind, err := loadLuaCheck(path)
		if err != nil {
			return count, fmt.Errorf("load %s: %w", path, err)
		}
		e.Register(kind, check)
		count++
		log.Info().Str("kind", kind).Str("script", path).Msg("Registered Lua health check")
	}
	return count, nil
}

// luaCheck wraps one script's state. Lua states are single threaded, so
// calls are serialized per check.
type luaCheck struct {
	mu   sync.Mutex
	L    *glua.LState
	fn   *glua.LFunction
	kind string
}

func loadLuaCheck(path string) (Check, string, error) {
	L := glua.NewState()
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, "", err
	}

	kindVal, ok := L.GetGlobal("kind").(glua.LString)
	if !ok || kindVal == "" {
		L.Close()
		return nil, "", fmt.Errorf("script must set the global `kind`")
	}
	fn, ok := L.GetGlobal("check").(*glua.LFunction)
	if !ok {
		L.Close()
		return nil, "", fmt.Errorf("script must define `check(obj)`")
	}

	c := &luaCheck{L: L, fn: fn, kind: string(kindVal)}
	return c.run, c.kind, nil
}

func (c *luaCheck) run(obj cluster.LiveObject) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.L.Push(c.fn)
	c.L.Push(objectToLua(c.L, obj))
	if err := c.L.PCall(1, 1, nil); err != nil {
		log.Error().Err(err).Str("kind", c.kind).Msg("Lua health check failed")
		return Result{Status: StatusUnknown, Reason: "check error: " + err.Error()}
	}

	ret := c.L.Get(-1)
	c.L.Pop(1)
	tbl, ok := ret.(*glua.LTable)
	if !ok {
		return Result{Status: StatusUnknown, Reason: "check did not return a table"}
	}

	res := luaTableToMap(tbl)
	status, _ := res["status"].(string)
	reason, _ := res["reason"].(string)
	switch Status(status) {
	case StatusReady, StatusProgressing, StatusFailed, StatusUnknown:
		return Result{Status: Status(status), Reason: reason}
	default:
		return Result{Status: StatusUnknown, Reason: fmt.Sprintf("check returned invalid status %q", status)}
	}
}

// objectToLua builds the table handed to check(obj): key fields, spec,
// status and the conditions array.
func objectToLua(L *glua.LState, obj cluster.LiveObject) *glua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "kind", glua.LString(obj.Key.Kind))
	L.SetField(tbl, "namespace", glua.LString(obj.Key.Namespace))
	L.SetField(tbl, "name", glua.LString(obj.Key.Name))
	L.SetField(tbl, "generation", glua.LNumber(obj.Generation))
	L.SetField(tbl, "spec", mapToLuaTable(L, obj.Spec))
	L.SetField(tbl, "status", mapToLuaTable(L, obj.Status))

	conds := L.NewTable()
	for i, c := range obj.Conditions {
		ct := L.NewTable()
		L.SetField(ct, "type", glua.LString(c.Type))
		L.SetField(ct, "status", glua.LString(c.Status))
		L.SetField(ct, "reason", glua.LString(c.Reason))
		L.SetField(ct, "message", glua.LString(c.Message))
		conds.RawSetInt(i+1, ct)
	}
	L.SetField(tbl, "conditions", conds)
	return tbl
}

// mapToLuaTable converts a Go map to a Lua table
func mapToLuaTable(L *glua.LState, m map[string]any) *glua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, goToLuaValue(L, v))
	}
	return tbl
}

// luaTableToMap converts a Lua table to a Go map
func luaTableToMap(tbl *glua.LTable) map[string]any {
	m := make(map[string]any)
	tbl.ForEach(func(k, v glua.LValue) {
		if ks, ok := k.(glua.LString); ok {
			m[string(ks)] = luaToGo(v)
		}
	})
	return m
}

// goToLuaValue converts a Go value to a Lua value
func goToLuaValue(L *glua.LState, v interface{}) glua.LValue {
	switch val := v.(type) {
	case nil:
		return glua.LNil
	case bool:
		return glua.LBool(val)
	case int:
		return glua.LNumber(val)
	case int64:
		return glua.LNumber(val)
	case float64:
		return glua.LNumber(val)
	case string:
		return glua.LString(val)
	case []interface{}:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLuaValue(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, v := range val {
			tbl.RawSetString(k, goToLuaValue(L, v))
		}
		return tbl
	default:
		return glua.LString(fmt.Sprintf("%v", v))
	}
}

// luaToGo converts a Lua value to a Go value
func luaToGo(v glua.LValue) interface{} {
	switch val := v.(type) {
	case glua.LString:
		return string(val)
	case glua.LNumber:
		return float64(val)
	case glua.LBool:
		return bool(val)
	case *glua.LTable:
		// Check if it's an array or object
		isArray := true
		maxIdx := 0
		val.ForEach(func(k, _ glua.LValue) {
			if num, ok := k.(glua.LNumber); ok {
				idx := int(num)
				if idx > maxIdx {
					maxIdx = idx
				}
			} else {
				isArray = false
			}
		})

		if isArray && maxIdx > 0 {
			arr := make([]interface{}, maxIdx)
			val.ForEach(func(k, v glua.LValue) {
				if num, ok := k.(glua.LNumber); ok {
					arr[int(num)-1] = luaToGo(v)
				}
			})
			return arr
		}

		obj := make(map[string]interface{})
		val.ForEach(func(k, v glua.LValue) {
			obj[glua.LVAsString(k)] = luaToGo(v)
		})
		return obj
	case *glua.LNilType:
		return nil
	default:
		return v.String()
	}
}
