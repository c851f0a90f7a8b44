package torrent

import "github.com/anacrolix/log"

// logError routes one of the §7 error kinds to the severity the design
// calls for: protocol/config errors are noisy, transient I/O is routine,
// registry inconsistencies are always Error regardless of kind.
func logError(logger log.Logger, err error) {
	switch err.(type) {
	case ProtocolError:
		logger.WithDefaultLevel(log.Warning).Printf("%v", err)
	case TransientIOError:
		logger.WithDefaultLevel(log.Debug).Printf("%v", err)
	case RegistryError:
		logger.WithDefaultLevel(log.Error).Printf("%v", err)
	case ConfigError:
		logger.WithDefaultLevel(log.Error).Printf("%v", err)
	default:
		logger.WithDefaultLevel(log.Debug).Printf("%v", err)
	}
}
