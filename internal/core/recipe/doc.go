// Package recipe describes how the API image is assembled.
//
// A Recipe is the build descriptor: a pinned base environment, a dependency
// manifest, the installer commands, the application working directory, the
// declared port and the startup command. The package turns a Recipe into an
// ordered instruction list and renders it as a Dockerfile. All functions are
// pure.
//
// # Layer ordering
//
// Instructions are grouped in three stages. Provisioning instructions (base,
// workdir, manifest copy, installer upgrade, install) are low churn and come
// first. Materialization copies the whole application tree and is high churn.
// Metadata (exposed port, command) closes the image. CheckOrdering rejects any
// instruction list that puts a low-churn input after a high-churn one, so an
// edit to application code never invalidates the installed dependency layer.
//
//	r := recipe.Default()
//	if err := recipe.Validate(r); err != nil {
//	    return err
//	}
//	dockerfile := recipe.Render(r)
package recipe
