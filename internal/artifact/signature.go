package artifact

import "bytes"

// Container is a recognised video container.
type Container string

// Recognised containers. ContainerUnknown means no signature matched.
const (
	ContainerUnknown Container = ""
	ContainerMP4     Container = "mp4"
	ContainerWebM    Container = "webm"
	ContainerFLV     Container = "flv"
	ContainerAVI     Container = "avi"
	ContainerTS      Container = "ts"
	ContainerGIF     Container = "gif"
)

// Ext returns the file extension for c, defaulting to ".mp4".
func (c Container) Ext() string {
	switch c {
	case ContainerWebM:
		return ".webm"
	case ContainerFLV:
		return ".flv"
	case ContainerAVI:
		return ".avi"
	case ContainerTS:
		return ".ts"
	case ContainerGIF:
		return ".gif"
	default:
		return ".mp4"
	}
}

const tsPacketSize = 188

var (
	isoBoxes  = [][]byte{[]byte("ftyp"), []byte("moov"), []byte("mdat"), []byte("free"), []byte("wide")}
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// Sniff identifies the container of data from its leading bytes.
func Sniff(data []byte) Container {
	if len(data) >= 8 {
		box := data[4:8]
		for _, b := range isoBoxes {
			if bytes.Equal(box, b) {
				return ContainerMP4
			}
		}
	}
	switch {
	case bytes.HasPrefix(data, ebmlMagic):
		return ContainerWebM
	case bytes.HasPrefix(data, []byte("FLV")):
		return ContainerFLV
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:11], []byte("AVI")):
		return ContainerAVI
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return ContainerGIF
	case len(data) > tsPacketSize && data[0] == 0x47 && data[tsPacketSize] == 0x47:
		return ContainerTS
	}
	return ContainerUnknown
}
