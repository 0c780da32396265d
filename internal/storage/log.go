package storage

import "github.com/sua-org/multicam/internal/logging"

var log = logging.For("storage")
