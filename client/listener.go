package main

// Listener receives the events decoded from the server stream. Every field
// is optional; a nil callback drops the event.
type Listener struct {
	OnRoomsUpdated     func(rooms []string)
	OnUsersUpdated     func(room string, users []string)
	OnChatMessage      func(room, from, text string)
	OnInfo             func(text string)
	OnError            func(text string)
	OnWarn             func(text string)
	OnBanned           func(reason string)
	OnConnectionClosed func()
	OnFileList         func(room string, files []string)
	OnFileReceived     func(path string, size int64)
}

func (l Listener) roomsUpdated(rooms []string) {
	if l.OnRoomsUpdated != nil {
		l.OnRoomsUpdated(rooms)
	}
}

func (l Listener) usersUpdated(room string, users []string) {
	if l.OnUsersUpdated != nil {
		l.OnUsersUpdated(room, users)
	}
}

func (l Listener) chat(room, from, text string) {
	if l.OnChatMessage != nil {
		l.OnChatMessage(room, from, text)
	}
}

func (l Listener) info(text string) {
	if l.OnInfo != nil {
		l.OnInfo(text)
	}
}

func (l Listener) error(text string) {
	if l.OnError != nil {
		l.OnError(text)
	}
}

func (l Listener) warn(text string) {
	if l.OnWarn != nil {
		l.OnWarn(text)
	}
}

func (l Listener) banned(reason string) {
	if l.OnBanned != nil {
		l.OnBanned(reason)
	}
}

func (l Listener) closed() {
	if l.OnConnectionClosed != nil {
		l.OnConnectionClosed()
	}
}

func (l Listener) fileList(room string, files []string) {
	if l.OnFileList != nil {
		l.OnFileList(room, files)
	}
}

func (l Listener) fileReceived(path string, size int64) {
	if l.OnFileReceived != nil {
		l.OnFileReceived(path, size)
	}
}
