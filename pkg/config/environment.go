package config

const (
	// EnvMetabasePath is the ordered, separator-delimited list of backend locators to search
	EnvMetabasePath = "METABASEPATH"
	// EnvMetabaseDebug makes resolution strict by default: backend errors propagate instead of being skipped
	EnvMetabaseDebug = "METABASE_DEBUG"
	// EnvUser names the issuing user recorded in resource metadata
	EnvUser = "USER"
)

// NOTE: keep this up to date or the config loader won't load them
var envKeys = []string{
	EnvMetabasePath,
	EnvMetabaseDebug,
	EnvUser,
}

// DefaultSeparator separates locators in a metabase path.
const DefaultSeparator = ","

// DefaultPath is used when EnvMetabasePath is unset:
// the home directory, the current directory, then the public fallback service.
const DefaultPath = "~,.,http://biodb2.bioinformatics.ucla.edu:5000"
