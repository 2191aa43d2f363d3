package engine

import "github.com/ljketola/kaiku"

// Dispatch invokes a control command by name with a list of dynamic values,
// the shape the native/view bridge calls through. Unknown commands, unknown
// UUIDs, and violated preconditions all yield the null Value (falsey);
// successful commands return true or the requested payload.
func (e *Engine) Dispatch(name string, params []kaiku.Value) kaiku.Value {
	switch name {
	case "ping":
		return kaiku.StringValue("pong")

	case "toggle_playback":
		e.TogglePlayback()
		return kaiku.BoolValue(true)

	case "start_recording_in_node":
		return boolResult(e.StartRecordingInNode(paramStr(params, 0)))

	case "stop_recording_in_node":
		return boolResult(e.StopRecordingInNode(paramStr(params, 0)))

	case "get_graph_state":
		return e.GraphState()

	case "get_waveform":
		numPeaks := int(paramInt(params, 1, 100))
		peaks := e.NodeWaveform(paramStr(params, 0), numPeaks)
		if peaks == nil {
			return kaiku.Null()
		}
		return kaiku.FloatsValue(peaks)

	case "enter_box":
		return boolResult(e.EnterBox(paramStr(params, 0)))

	case "exit_box":
		return boolResult(e.ExitBox())

	case "create_node":
		node := e.CreateNode(paramStr(params, 0), paramFloat(params, 1, -1), paramFloat(params, 2, -1))
		if node == nil {
			return kaiku.Null()
		}
		return kaiku.StringValue(node.UUID())

	case "remove_node":
		return boolResult(e.RemoveNode(paramStr(params, 0)))

	case "rename_node":
		return boolResult(e.RenameNode(paramStr(params, 0), paramStr(params, 1)))

	case "set_node_input":
		return boolResult(e.SetNodeInput(paramStr(params, 0), int(paramInt(params, 1, 0))))

	case "set_loop_points":
		return boolResult(e.SetLoopPoints(paramStr(params, 0), paramInt(params, 1, 0), paramInt(params, 2, 0)))

	case "toggle_solo":
		return boolResult(e.ToggleSolo(paramStr(params, 0)))

	case "toggle_play":
		return boolResult(e.TogglePlay(paramStr(params, 0)))

	case "get_input_list":
		list := kaiku.ObjectValue()
		inputs := kaiku.ArrayValue()
		for _, name := range e.InputList() {
			inputs.Append(kaiku.StringValue(name))
		}
		list.Set("inputs", inputs)
		return list
	}

	e.log.Warn("unknown command", "name", name)
	return kaiku.Null()
}

func boolResult(ok bool) kaiku.Value {
	if !ok {
		return kaiku.Null()
	}
	return kaiku.BoolValue(true)
}

func paramStr(params []kaiku.Value, i int) string {
	if i >= len(params) {
		return ""
	}
	return params[i].Str()
}

func paramInt(params []kaiku.Value, i int, def int64) int64 {
	if i >= len(params) || params[i].Kind() != kaiku.KindNumber {
		return def
	}
	return params[i].Int64()
}

func paramFloat(params []kaiku.Value, i int, def float64) float64 {
	if i >= len(params) || params[i].Kind() != kaiku.KindNumber {
		return def
	}
	return params[i].Float64()
}
