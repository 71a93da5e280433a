package helpers

// bundledRegions maps a region to the nearby regions whose hosts can serve
// its users without hurting the experience too much.
var bundledRegions = map[string][]string{
	"us-east-1":    {"us-east-2", "ca-central-1"},
	"us-east-2":    {"us-east-1", "ca-central-1"},
	"us-west-1":    {"us-west-2"},
	"us-west-2":    {"us-west-1"},
	"ca-central-1": {"us-east-1", "us-east-2"},
}

// BundledRegions returns the fallback regions for region. The returned slice
// is a copy and can be modified by the caller.
func BundledRegions(region string) []string {
	bundle := bundledRegions[region]
	return append([]string(nil), bundle...)
}
