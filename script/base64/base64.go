// Package base64 implements the base64 Lua module, with the standard
// and the URL encodings.
package base64

import (
	"encoding/base64"

	lua "github.com/yuin/gopher-lua"
)

func Loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"decode":     decoder(base64.StdEncoding),
		"encode":     encoder(base64.StdEncoding),
		"decode_url": decoder(base64.RawURLEncoding),
		"encode_url": encoder(base64.RawURLEncoding),
	})
	L.Push(mod)
	return 1
}

func encoder(enc *base64.Encoding) lua.LGFunction {
	return func(L *lua.LState) int {
		str := L.CheckString(1)
		L.Push(lua.LString(enc.EncodeToString([]byte(str))))
		return 1
	}
}

// decoder returns nil and the error message on invalid input.
func decoder(enc *base64.Encoding) lua.LGFunction {
	return func(L *lua.LState) int {
		str := L.CheckString(1)
		ret, err := enc.DecodeString(str)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		L.Push(lua.LString(ret))
		return 1
	}
}
