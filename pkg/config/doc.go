/*
Package config loads the single JSON configuration consumed at startup.

The file describes network interfaces, queue sizes, thread idle times, the
persistence path and byte budget, raw data buffer quotas, publish limits
and the transport endpoint. Comments and trailing commas are tolerated
(the file is run through a JSONC normalizer first); unknown keys are
rejected so typos surface at startup instead of silently using defaults.

A config error causes the process to exit with code 1.
*/
package config
