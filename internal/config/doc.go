// Package config loads handler gate configuration and runtime settings.
//
// Gate files decide which modules and handlers run:
//
//	modules: core: true
//	properties: "processor.core.contract-notify.enabled": "false"
//
// Runtime settings (database path, resumption cadence, retry limits) come
// from ENTITYEVENTS_* environment variables.
package config
