package rooms

import (
	"crypto/rand"
	"fmt"
)

// Join codes avoid ambiguous characters (0/O, 1/I/L) so they survive being
// read aloud.
const joinCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	roomCodeLength = 12
	joinCodeLength = 6
)

func newRoomCode() (string, error) {
	return randomCode(roomCodeLength)
}

func newJoinCode() (string, error) {
	return randomCode(joinCodeLength)
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rooms: generate code: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(out), nil
}
