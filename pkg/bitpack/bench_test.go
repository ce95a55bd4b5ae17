package bitpack

import (
	"testing"
)

func BenchmarkWriteBits(b *testing.B) {
	w := NewWriter()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w.Reset()
		w.WriteBit(true)
		w.WriteBits(500, 10)
		w.WriteBits(0xDEADBEEF, 32)
		w.WriteBits(0x0102030405060708, 64)
	}
}

func BenchmarkReadBits(b *testing.B) {
	w := NewWriter()
	w.WriteBit(true)
	w.WriteBits(500, 10)
	w.WriteBits(0xDEADBEEF, 32)
	w.WriteBits(0x0102030405060708, 64)
	data := w.Bytes()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		r := NewReader(data)
		r.ReadBit()
		r.ReadBits(10)
		r.ReadBits(32)
		r.ReadBits(64)
	}
}

func BenchmarkMarshalNetworkMessage(b *testing.B) {
	nick := uint8(42)
	msg := networkMessage{
		MessageID: 500,
		Priority:  3,
		IsUrgent:  true,
		Players: []playerInfo{
			{Health: 50, Energy: 10, IsActive: true, Nickname: &nick},
			{Health: 30, Energy: 5, IsActive: false},
		},
		Type:  messageKind{Kind: msgCommand, Code: 42},
		State: gameState{Round: 100, Score: 255},
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w := NewWriter()
		if err := Marshal(w, msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnmarshalNetworkMessage(b *testing.B) {
	nick := uint8(42)
	msg := networkMessage{
		MessageID: 500,
		Priority:  3,
		IsUrgent:  true,
		Players: []playerInfo{
			{Health: 50, Energy: 10, IsActive: true, Nickname: &nick},
			{Health: 30, Energy: 5, IsActive: false},
		},
		Type:  messageKind{Kind: msgCommand, Code: 42},
		State: gameState{Round: 100, Score: 255},
	}

	w := NewWriter()
	if err := Marshal(w, msg); err != nil {
		b.Fatal(err)
	}
	data := w.Bytes()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		var got networkMessage
		if err := Unmarshal(NewReader(data), &got); err != nil {
			b.Fatal(err)
		}
	}
}
