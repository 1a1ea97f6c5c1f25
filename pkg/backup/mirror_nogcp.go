//go:build !gcp

package backup

import (
	"context"
	"fmt"
)

func newGCSMirror(context.Context, string, string) (Mirror, error) {
	return nil, fmt.Errorf("GCS mirroring is not enabled in this build (use -tags gcp)")
}
