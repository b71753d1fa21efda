// Package fname contains filename constants and common directory layout
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package fname

const (
	// subdirectory of the work dir holding all runtime state
	DfltInternalDir = "remoting"

	// under ${workDir}/${internalDir}
	LogsDir     = "logs"
	JarCacheDir = "jarCache"

	LogBase = "remoting.log"

	// environment variable naming an optional class-filter override file
	EnvFilterFile = "REMOTING_CLASS_FILTER_FILE"
)
