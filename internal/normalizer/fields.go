package normalizer

import (
	"skyguard-telemetry/internal/models"
)

// Field resolution tables. Each logical field is resolved by trying the
// listed keys in order; the first usable value wins. Dotted keys descend
// into nested objects ("camera.id" reads payload["camera"]["id"]).

var entityIDFields = map[models.Channel][]string{
	models.ChannelOffensive: {"droneId", "drone_id", "objId", "obj_id", "id"},
	models.ChannelDefensive: {"obj_id", "id", "objId"},
}

// fallbackIDFields is used for a frame on an unknown channel.
var fallbackIDFields = []string{"id", "droneId", "drone_id", "obj_id", "objId"}

var (
	latitudeFields  = []string{"lat"}
	longitudeFields = []string{"long", "lng", "lon"}
	altitudeFields  = []string{"alt", "altitude"}
)

var (
	objectTimestampFields = []string{"timestamp", "detectedAt", "detected_at"}
	frameTimestampFields  = []string{"timestamp", "createdAt", "created_at", "updatedAt", "detectedAt", "detected_at"}
)

var (
	objectListFields  = []string{"objects", "detections"}
	singleObjectField = "object"
	wrapperField      = "data"
)

var (
	imagePathFields = []string{"imagePath", "image_path", "image.path", "imageUrl"}
	sourceIDFields  = []string{"cam_id", "camId", "camera.id", "camera_id"}
)

var (
	cameraLatitudeFields  = []string{"camera.lat", "camLat"}
	cameraLongitudeFields = []string{"camera.lng", "camera.long", "camLong"}
)

func idFieldsFor(channel models.Channel) []string {
	if fields, ok := entityIDFields[channel]; ok {
		return fields
	}
	return fallbackIDFields
}
