package log

import "log/slog"

func FlowID[T ~string](id T) slog.Attr {
	return slog.String("flow_id", string(id))
}

func RuntimeID[T ~string](id T) slog.Attr {
	return slog.String("runtime_id", string(id))
}

func State[T interface{ String() string }](state T) slog.Attr {
	return slog.String("state", state.String())
}

func FlowType[T ~string](flowType T) slog.Attr {
	return slog.String("flow_type", string(flowType))
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
