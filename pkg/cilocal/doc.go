/*
Package cilocal provides a Go interface for running the CI jobs of a repository locally in docker.

A run is most easily described by a [RunConfig], which can be read from a yaml config using [GetRunConfig],
and executed by a [Pipeline]. For a manually created config, all fields may be left empty, in which case
the working tree of the current directory is built and run.

The snapshot to build is selected by [RunConfig.Reference], which is created using [ParseReference]:
  - nil builds the working tree as is, including uncommitted changes
  - a [LocalReference] builds a revision of the local repository in an isolated clone, without ever fetching
  - a [RemoteReference] builds a shallow clone of a remote repository, optionally at a branch, tag or commit

Every file named Dockerfile.ci.<suffix> at the root of the snapshot is a [JobDescriptor]. Each descriptor is built
into an image and run as a single job, one after another. If there are none, a default image running ci.sh is used.

[Pipeline.Run] returns the number of failed descriptors. Failed jobs can be inspected in an interactive post-mortem
shell started from a snapshot of their final state by setting [RunConfig.PostMortem].
All containers and post-mortem snapshots are removed when the run ends, job images are kept to speed up later builds.
*/
package cilocal
