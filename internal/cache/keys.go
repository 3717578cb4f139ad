package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func UploadStatusKey(artifactID uuid.UUID) string {
	return fmt.Sprintf("upload:%s", artifactID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
