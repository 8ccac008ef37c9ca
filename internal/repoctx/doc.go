// Package repoctx gives analysis jobs read access to a project's source
// repository: the file tree at the head of a branch and code search.
//
// Guarded is the port the rest of readyd uses. It wraps a Source adapter
// with a structure cache keyed by repository and commit, a shared token
// bucket sized to the host quota, and a fallback that turns every failure
// into an explicit unavailable result. Callers never receive an error from
// Guarded; they check Available and degrade.
//
//	port := repoctx.NewGuarded(repoctx.NewGitHubSource(client), repoctx.DefaultOptions(), logger)
//	st := port.Structure(ctx, repoctx.Repo{URL: "https://github.com/acme/api"})
//	if !st.Available {
//	    // continue with story context only
//	}
package repoctx
