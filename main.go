// The main package for the catalog-pipeline executable.
package main

import (
	"github.com/vestiaro/catalog-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
