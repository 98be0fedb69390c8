package protocol

import (
	"fmt"

	"wlrelay/internal/wire"
)

// sig builds a signature from libwayland's compact notation: i u f s o n a h,
// each optionally prefixed by '?' for nullable. ifaces names the interface of
// every 'o' and 'n' in order; "" leaves it untyped.
func sig(s string, ifaces ...string) wire.Signature {
	var out wire.Signature
	nullable := false
	next := 0
	for _, c := range s {
		if c == '?' {
			nullable = true
			continue
		}
		a := wire.ArgSpec{Nullable: nullable}
		nullable = false
		switch c {
		case 'i':
			a.Type = wire.ArgInt
		case 'u':
			a.Type = wire.ArgUint
		case 'f':
			a.Type = wire.ArgFixed
		case 's':
			a.Type = wire.ArgString
		case 'a':
			a.Type = wire.ArgArray
		case 'h':
			a.Type = wire.ArgFd
		case 'o', 'n':
			a.Type = wire.ArgObject
			if c == 'n' {
				a.Type = wire.ArgNewID
			}
			if next >= len(ifaces) {
				panic(fmt.Sprintf("protocol: signature %q needs more interfaces", s))
			}
			a.Interface = ifaces[next]
			next++
		default:
			panic(fmt.Sprintf("protocol: bad signature character %q in %q", c, s))
		}
		out = append(out, a)
	}
	if next != len(ifaces) {
		panic(fmt.Sprintf("protocol: signature %q has %d spare interfaces", s, len(ifaces)-next))
	}
	return out
}

func msg(name, s string, ifaces ...string) Message {
	return Message{Name: name, Args: sig(s, ifaces...)}
}

func dtor(name, s string, ifaces ...string) Message {
	m := msg(name, s, ifaces...)
	m.Destructor = true
	return m
}

// Display is the id of the wl_display singleton.
const Display = 1

// Core returns a fresh set holding the core wayland protocol and xdg-shell.
// Each call returns independent copies so that MarkDestructor on one set
// does not affect another.
func Core() *Set {
	return NewSet(append(waylandCore(), xdgShell()...)...)
}

func waylandCore() []*Interface {
	return []*Interface{
		{
			Name: "wl_display", Version: 1,
			Requests: []Message{
				msg("sync", "n", "wl_callback"),
				msg("get_registry", "n", "wl_registry"),
			},
			Events: []Message{
				msg("error", "ous", ""),
				msg("delete_id", "u"),
			},
		},
		{
			Name: "wl_registry", Version: 1,
			Requests: []Message{msg("bind", "usun", "")},
			Events: []Message{
				msg("global", "usu"),
				msg("global_remove", "u"),
			},
		},
		{
			Name: "wl_callback", Version: 1,
			Events: []Message{dtor("done", "u")},
		},
		{
			Name: "wl_compositor", Version: 6,
			Requests: []Message{
				msg("create_surface", "n", "wl_surface"),
				msg("create_region", "n", "wl_region"),
			},
		},
		{
			Name: "wl_shm_pool", Version: 2,
			Requests: []Message{
				msg("create_buffer", "niiiiu", "wl_buffer"),
				dtor("destroy", ""),
				msg("resize", "i"),
			},
		},
		{
			Name: "wl_shm", Version: 2,
			Requests: []Message{
				msg("create_pool", "nhi", "wl_shm_pool"),
				dtor("release", ""),
			},
			Events: []Message{msg("format", "u")},
		},
		{
			Name: "wl_buffer", Version: 1,
			Requests: []Message{dtor("destroy", "")},
			Events:   []Message{msg("release", "")},
		},
		{
			Name: "wl_data_offer", Version: 3,
			Requests: []Message{
				msg("accept", "u?s"),
				msg("receive", "sh"),
				dtor("destroy", ""),
				msg("finish", ""),
				msg("set_actions", "uu"),
			},
			Events: []Message{
				msg("offer", "s"),
				msg("source_actions", "u"),
				msg("action", "u"),
			},
		},
		{
			Name: "wl_data_source", Version: 3,
			Requests: []Message{
				msg("offer", "s"),
				dtor("destroy", ""),
				msg("set_actions", "u"),
			},
			Events: []Message{
				msg("target", "?s"),
				msg("send", "sh"),
				msg("cancelled", ""),
				msg("dnd_drop_performed", ""),
				msg("dnd_finished", ""),
				msg("action", "u"),
			},
		},
		{
			Name: "wl_data_device", Version: 3,
			Requests: []Message{
				msg("start_drag", "?oo?ou", "wl_data_source", "wl_surface", "wl_surface"),
				msg("set_selection", "?ou", "wl_data_source"),
				dtor("release", ""),
			},
			Events: []Message{
				msg("data_offer", "n", "wl_data_offer"),
				msg("enter", "uoff?o", "wl_surface", "wl_data_offer"),
				msg("leave", ""),
				msg("motion", "uff"),
				msg("drop", ""),
				msg("selection", "?o", "wl_data_offer"),
			},
		},
		{
			Name: "wl_data_device_manager", Version: 3,
			Requests: []Message{
				msg("create_data_source", "n", "wl_data_source"),
				msg("get_data_device", "no", "wl_data_device", "wl_seat"),
			},
		},
		{
			Name: "wl_surface", Version: 6,
			Requests: []Message{
				dtor("destroy", ""),
				msg("attach", "?oii", "wl_buffer"),
				msg("damage", "iiii"),
				msg("frame", "n", "wl_callback"),
				msg("set_opaque_region", "?o", "wl_region"),
				msg("set_input_region", "?o", "wl_region"),
				msg("commit", ""),
				msg("set_buffer_transform", "i"),
				msg("set_buffer_scale", "i"),
				msg("damage_buffer", "iiii"),
				msg("offset", "ii"),
			},
			Events: []Message{
				msg("enter", "o", "wl_output"),
				msg("leave", "o", "wl_output"),
				msg("preferred_buffer_scale", "i"),
				msg("preferred_buffer_transform", "u"),
			},
		},
		{
			Name: "wl_seat", Version: 9,
			Requests: []Message{
				msg("get_pointer", "n", "wl_pointer"),
				msg("get_keyboard", "n", "wl_keyboard"),
				msg("get_touch", "n", "wl_touch"),
				dtor("release", ""),
			},
			Events: []Message{
				msg("capabilities", "u"),
				msg("name", "s"),
			},
		},
		{
			Name: "wl_pointer", Version: 9,
			Requests: []Message{
				msg("set_cursor", "u?oii", "wl_surface"),
				dtor("release", ""),
			},
			Events: []Message{
				msg("enter", "uoff", "wl_surface"),
				msg("leave", "uo", "wl_surface"),
				msg("motion", "uff"),
				msg("button", "uuuu"),
				msg("axis", "uuf"),
				msg("frame", ""),
				msg("axis_source", "u"),
				msg("axis_stop", "uu"),
				msg("axis_discrete", "ui"),
				msg("axis_value120", "ui"),
				msg("axis_relative_direction", "uu"),
			},
		},
		{
			Name: "wl_keyboard", Version: 9,
			Requests: []Message{dtor("release", "")},
			Events: []Message{
				msg("keymap", "uhu"),
				msg("enter", "uoa", "wl_surface"),
				msg("leave", "uo", "wl_surface"),
				msg("key", "uuuu"),
				msg("modifiers", "uuuuu"),
				msg("repeat_info", "ii"),
			},
		},
		{
			Name: "wl_touch", Version: 9,
			Requests: []Message{dtor("release", "")},
			Events: []Message{
				msg("down", "uuoiff", "wl_surface"),
				msg("up", "uui"),
				msg("motion", "uiff"),
				msg("frame", ""),
				msg("cancel", ""),
				msg("shape", "iff"),
				msg("orientation", "if"),
			},
		},
		{
			Name: "wl_output", Version: 4,
			Requests: []Message{dtor("release", "")},
			Events: []Message{
				msg("geometry", "iiiiissi"),
				msg("mode", "uiii"),
				msg("done", ""),
				msg("scale", "i"),
				msg("name", "s"),
				msg("description", "s"),
			},
		},
		{
			Name: "wl_region", Version: 1,
			Requests: []Message{
				dtor("destroy", ""),
				msg("add", "iiii"),
				msg("subtract", "iiii"),
			},
		},
		{
			Name: "wl_subcompositor", Version: 1,
			Requests: []Message{
				dtor("destroy", ""),
				msg("get_subsurface", "noo", "wl_subsurface", "wl_surface", "wl_surface"),
			},
		},
		{
			Name: "wl_subsurface", Version: 1,
			Requests: []Message{
				dtor("destroy", ""),
				msg("set_position", "ii"),
				msg("place_above", "o", "wl_surface"),
				msg("place_below", "o", "wl_surface"),
				msg("set_sync", ""),
				msg("set_desync", ""),
			},
		},
	}
}

func xdgShell() []*Interface {
	return []*Interface{
		{
			Name: "xdg_wm_base", Version: 6,
			Requests: []Message{
				dtor("destroy", ""),
				msg("create_positioner", "n", "xdg_positioner"),
				msg("get_xdg_surface", "no", "xdg_surface", "wl_surface"),
				msg("pong", "u"),
			},
			Events: []Message{msg("ping", "u")},
		},
		{
			Name: "xdg_positioner", Version: 6,
			Requests: []Message{
				dtor("destroy", ""),
				msg("set_size", "ii"),
				msg("set_anchor_rect", "iiii"),
				msg("set_anchor", "u"),
				msg("set_gravity", "u"),
				msg("set_constraint_adjustment", "u"),
				msg("set_offset", "ii"),
				msg("set_reactive", ""),
				msg("set_parent_size", "ii"),
				msg("set_parent_configure", "u"),
			},
		},
		{
			Name: "xdg_surface", Version: 6,
			Requests: []Message{
				dtor("destroy", ""),
				msg("get_toplevel", "n", "xdg_toplevel"),
				msg("get_popup", "n?oo", "xdg_popup", "xdg_surface", "xdg_positioner"),
				msg("set_window_geometry", "iiii"),
				msg("ack_configure", "u"),
			},
			Events: []Message{msg("configure", "u")},
		},
		{
			Name: "xdg_toplevel", Version: 6,
			Requests: []Message{
				dtor("destroy", ""),
				msg("set_parent", "?o", "xdg_toplevel"),
				msg("set_title", "s"),
				msg("set_app_id", "s"),
				msg("show_window_menu", "ouii", "wl_seat"),
				msg("move", "ou", "wl_seat"),
				msg("resize", "ouu", "wl_seat"),
				msg("set_max_size", "ii"),
				msg("set_min_size", "ii"),
				msg("set_maximized", ""),
				msg("unset_maximized", ""),
				msg("set_fullscreen", "?o", "wl_output"),
				msg("unset_fullscreen", ""),
				msg("set_minimized", ""),
			},
			Events: []Message{
				msg("configure", "iia"),
				msg("close", ""),
				msg("configure_bounds", "ii"),
				msg("wm_capabilities", "a"),
			},
		},
		{
			Name: "xdg_popup", Version: 6,
			Requests: []Message{
				dtor("destroy", ""),
				msg("grab", "ou", "wl_seat"),
				msg("reposition", "ou", "xdg_positioner"),
			},
			Events: []Message{
				msg("configure", "iiii"),
				msg("popup_done", ""),
				msg("repositioned", "u"),
			},
		},
	}
}
