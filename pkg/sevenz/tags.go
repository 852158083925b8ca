package sevenz

// Property IDs for the StreamsInfo / Header TLV stream (spec.md §4.6).
const (
	tagEnd                 = 0x00
	tagHeader              = 0x01
	tagArchiveProperties   = 0x02
	tagAdditionalStreams   = 0x03
	tagMainStreams         = 0x04
	tagFilesInfo           = 0x05
	tagPackInfo            = 0x06
	tagUnpackInfo          = 0x07
	tagSubStreamsInfo      = 0x08
	tagSize                = 0x09
	tagCRC                 = 0x0A
	tagFolder              = 0x0B
	tagCodersUnpackSize    = 0x0C
	tagNumUnpackStream     = 0x0D
	tagEmptyStream         = 0x0E
	tagEmptyFile           = 0x0F
	tagAnti                = 0x10
	tagName                = 0x11
	tagCTime               = 0x12
	tagATime               = 0x14
	tagMTime               = 0x15
	tagWinAttributes       = 0x16
	tagComment             = 0x17
	tagEncodedHeader       = 0x18
	tagStartPos            = 0x19
	tagDummy               = 0x1A
)
