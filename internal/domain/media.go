package domain

type (
	TransportID string
	ProducerID  string
	ConsumerID  string
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
	MediaKindData  MediaKind = "data"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindAudio, MediaKindVideo, MediaKindData:
		return true
	}
	return false
}

// TransportRole tells which direction a client transport carries media.
type TransportRole string

const (
	RoleProducing TransportRole = "producing"
	RoleConsuming TransportRole = "consuming"
)

func (r TransportRole) Valid() bool {
	return r == RoleProducing || r == RoleConsuming
}
