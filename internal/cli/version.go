package cli

import (
	"strings"

	"github.com/blang/semver"
)

// Version is the release of surfdisterr.
var Version = semver.MustParse("1.2.1")

// DisplayTitle is printed to stderr at startup unless --quiet is given.
var DisplayTitle = strings.ReplaceAll(`
       _                        __                         _ _     _
      | |                      / _|                       | (_)   | |
 _ __ | |______ ___ _   _ _ __| |_ __ _  ___ ___ ______ __| |_ ___| |_ __ _ _ __   ___ ___
| '_ \| |______/ __| | | | '__|  _/ _~ |/ __/ _ \______/ _~ | / __| __/ _~ | '_ \ / __/ _ \
| |_) | |      \__ \ |_| | |  | || (_| | (_|  __/     | (_| | \__ \ || (_| | | | | (_|  __/
| .__/|_|      |___/\__,_|_|  |_| \__,_|\___\___|      \__,_|_|___/\__\__,_|_| |_|\___\___|
| |
|_|
`, "~", "`")

// VersionString is the output of --version.
func VersionString() string {
	return "surfdisterr " + Version.String()
}
