package cluster

import "bytes"

// SlotCount is the number of hash slots a cluster key space is split into.
const SlotCount = 16384

var crc16tab = func() [256]uint16 {
	var tab [256]uint16
	for i := range tab {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return tab
}()

// CRC16 is CRC-16/XMODEM: polynomial 0x1021, initial value 0, no reflection.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^b]
	}
	return crc
}

// HashTag returns the part of key that is hashed: the bytes between the
// first '{' and the next '}' when that is non-empty, else the whole key.
func HashTag(key []byte) []byte {
	start := bytes.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := bytes.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

// KeySlot maps a key to its slot in [0, SlotCount).
func KeySlot(key []byte) int {
	return int(CRC16(HashTag(key)) & (SlotCount - 1))
}
