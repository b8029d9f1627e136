/*
Lineage maintains "parent databases" of the images published on the public
docker hub and uses them to find the closest known ancestor of an image.

  - An image's identity is its sequence of filesystem layer IDs as announced
    by the pull protocol, oldest first. An image whose complete sequence is
    an exact prefix of another image's sequence is an ancestor of it.
  - Layer sequences are gathered without downloading image content: a
    streaming pull is started and aborted the moment layer bytes would be
    transferred, when all layers have already been announced.
  - Two databases are kept, one for official images and one for
    verified/certified ones. Each is a single JSON file mapping repository
    name to its known images (layers, tag, last-updated and created times).
    The filename encodes the time of the last completed sync; the file with
    the most recent encoded time is the current database.
  - Syncing is incremental: newly published repositories are scanned in
    full, known repositories only when their most recently pushed tag is
    newer than the stored records' watermark, and then only the most recent
    tags are re-examined.
  - Identical content published under multiple names/tags is filtered at
    insertion within a repository, and reported (optionally removed) across
    repositories by the dupes command, with the oldest creation time
    deciding the legitimate original.

# Usage

Generate a config file, then populate and keep databases up to date:

	./lineage describe >lineage.conf
	./lineage sync official
	./lineage sync verified

Resolve an image's closest ancestor, given its repository and layer
sequence (one concatenated string of 12-character layer IDs):

	./lineage resolve official myrepo 6ae821421a7d9235b5c1093b

The answer is JSON like {"name":"ubuntu","tag":"18.04"}, or {} when no
known image matches any prefix of the layers. With -fallback the other
class's database is consulted when the first finds nothing.

Syncs can run for many hours. Progress is persisted after every changed
repository, so an interrupted run resumes cheaply, and prometheus metrics
are served on -adminaddr while the pass runs.

# Caveats

  - Staleness detection examines a bounded number of records and tags per
    repository (LookbackWindow). Changes confined to older tags are not
    detected; a from-scratch populate is the recovery for that.
  - Layer IDs are the pull protocol's short per-layer identifiers, not
    cryptographic digests. They are treated as a content-address proxy.
  - Whole-repository scans for the verified class download images (the
    catalog API cannot enumerate their tags) and delete them afterwards,
    evicting early when disk use crosses DiskUsagePercent.
*/
package main
